package provider

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"batchhmi/logging"
	"batchhmi/s7"
	"batchhmi/tag"
)

// S7Transport is a Transport over a Siemens S7 CPU. Tag names resolve to S7
// addresses through a symbol table; element Name[i] of an array lives at the
// base address plus i elements.
type S7Transport struct {
	gateway string
	rack    int
	slot    int
	timeout time.Duration
	symbols map[string]s7.Address

	mu     sync.Mutex
	client *s7.Client
}

// NewS7Transport builds a transport for gateway "host[:port]" and path
// "rack,slot". symbols maps tag base names to S7 address strings.
func NewS7Transport(gateway, path string, symbols map[string]string, timeout time.Duration) (*S7Transport, error) {
	if gateway == "" {
		return nil, &tag.ConfigError{Field: "plc.gateway", Reason: "empty"}
	}
	rack, slot, err := ParseRackSlot(path)
	if err != nil {
		return nil, err
	}
	if !strings.Contains(gateway, ":") {
		gateway += ":102"
	}

	t := &S7Transport{
		gateway: gateway,
		rack:    rack,
		slot:    slot,
		timeout: timeout,
		symbols: make(map[string]s7.Address, len(symbols)),
	}
	for name, a := range symbols {
		addr, err := s7.ParseAddress(a)
		if err != nil {
			return nil, &tag.ConfigError{Field: "symbols." + name, Reason: err.Error()}
		}
		t.symbols[name] = addr
	}
	return t, nil
}

// ParseRackSlot parses "rack,slot". An empty path means rack 0 slot 0.
func ParseRackSlot(path string) (int, int, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return 0, 0, nil
	}
	parts := strings.Split(path, ",")
	if len(parts) != 2 {
		return 0, 0, &tag.ConfigError{Field: "plc.path", Reason: fmt.Sprintf("%q is not rack,slot", path)}
	}
	rack, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	slot, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil || rack < 0 || slot < 0 {
		return 0, 0, &tag.ConfigError{Field: "plc.path", Reason: fmt.Sprintf("%q is not rack,slot", path)}
	}
	return rack, slot, nil
}

func (t *S7Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.client != nil {
		if t.client.IsConnected() {
			return nil
		}
		t.client.Close()
		t.client = nil
	}

	logging.DebugConnect("s7", t.gateway)
	client, err := s7.Connect(t.gateway, s7.WithRackSlot(t.rack, t.slot), s7.WithTimeout(t.timeout))
	if err != nil {
		logging.DebugConnectError("s7", t.gateway, err)
		return err
	}
	logging.DebugConnectSuccess("s7", t.gateway, client.ConnectionMode())
	t.client = client
	return nil
}

func (t *S7Transport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client != nil {
		t.client.Close()
		t.client = nil
		logging.DebugDisconnect("s7", t.gateway, "closed")
	}
	return nil
}

func (t *S7Transport) conn() (*s7.Client, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.client == nil || !t.client.IsConnected() {
		return nil, &PlcError{Kind: tag.ErrorUnreachable, Err: fmt.Errorf("not connected to %s", t.gateway)}
	}
	return t.client, nil
}

// resolve returns the S7 address of element start of base (or base itself
// when it is not indexed) and checks it can hold the requested kind.
func (t *S7Transport) resolve(base tag.Address, start int) (s7.Address, error) {
	sym, ok := t.symbols[base.Name]
	if !ok {
		return s7.Address{}, &PlcError{Kind: tag.ErrorNotFound, Tag: base.Name, Err: fmt.Errorf("no symbol")}
	}

	switch base.Kind {
	case tag.KindBool:
		if !sym.IsBit() {
			return s7.Address{}, &PlcError{Kind: tag.ErrorTypeMismatch, Tag: base.Name, Err: fmt.Errorf("%s is not a bit address", sym)}
		}
	case tag.KindInt32, tag.KindFloat32:
		if sym.IsBit() || (sym.Size != 0 && sym.Size != 4) {
			return s7.Address{}, &PlcError{Kind: tag.ErrorTypeMismatch, Tag: base.Name, Err: fmt.Errorf("%s cannot hold %s", sym, base.Kind)}
		}
		sym.Size = 4
	}
	return sym.Element(start, sym.Size), nil
}

func (t *S7Transport) Read(ctx context.Context, addr tag.Address) (tag.Value, error) {
	if addr.Packed && addr.Kind == tag.KindBool && addr.Indexed {
		words, err := t.ReadRange(ctx, addr.WordAddress(), tag.WordIndex(addr.Index), 1)
		if err != nil {
			return tag.Value{}, err
		}
		w, _ := words[0].Int32()
		b, err := tag.DecodeBit(w, tag.BitPosition(addr.Index))
		if err != nil {
			return tag.Value{}, err
		}
		return tag.BoolValue(b), nil
	}

	start := 0
	if addr.Indexed {
		start = addr.Index
	}
	vals, err := t.ReadRange(ctx, addr, start, 1)
	if err != nil {
		return tag.Value{}, err
	}
	return vals[0], nil
}

// ReadRange reads count elements with a single S7 read request.
func (t *S7Transport) ReadRange(ctx context.Context, base tag.Address, start, count int) ([]tag.Value, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	first, err := t.resolve(base, start)
	if err != nil {
		return nil, err
	}
	client, err := t.conn()
	if err != nil {
		return nil, err
	}

	size := count * 4
	if base.Kind == tag.KindBool {
		size = s7.BitSpan(first.BitNum, count)
	}
	buf, err := client.ReadBytes(first, size)
	if err != nil {
		return nil, classifyS7(err)
	}

	out := make([]tag.Value, count)
	switch base.Kind {
	case tag.KindBool:
		bits, err := s7.DecodeBits(buf, first.BitNum, count)
		if err != nil {
			return nil, &tag.DecodeError{Reason: err.Error()}
		}
		for i, b := range bits {
			out[i] = tag.BoolValue(b)
		}
	case tag.KindInt32:
		ints, err := s7.DecodeDInts(buf, count)
		if err != nil {
			return nil, &tag.DecodeError{Reason: err.Error()}
		}
		for i, v := range ints {
			out[i] = tag.Int32Value(v)
		}
	case tag.KindFloat32:
		reals, err := s7.DecodeReals(buf, count)
		if err != nil {
			return nil, &tag.DecodeError{Reason: err.Error()}
		}
		for i, v := range reals {
			out[i] = tag.Float32Value(v)
		}
	default:
		return nil, &tag.DecodeError{Reason: "unsupported kind " + base.Kind.String()}
	}
	return out, nil
}

func (t *S7Transport) Write(ctx context.Context, addr tag.Address, v tag.Value) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	start := 0
	if addr.Indexed {
		start = addr.Index
	}
	target, err := t.resolve(addr, start)
	if err != nil {
		return err
	}
	client, err := t.conn()
	if err != nil {
		return err
	}

	switch addr.Kind {
	case tag.KindBool:
		b, ok := v.Bool()
		if !ok {
			return &PlcError{Kind: tag.ErrorTypeMismatch, Err: fmt.Errorf("%s value for Bool tag", v.Kind())}
		}
		err = client.WriteBit(target, b)
	case tag.KindInt32:
		cv, cerr := tag.Coerce(v, tag.KindInt32)
		if cerr != nil {
			return cerr
		}
		i, _ := cv.Int32()
		err = client.WriteBytes(target, s7.EncodeDInt(i))
	case tag.KindFloat32:
		cv, cerr := tag.Coerce(v, tag.KindFloat32)
		if cerr != nil {
			return cerr
		}
		f, _ := cv.Float32()
		err = client.WriteBytes(target, s7.EncodeReal(f))
	}
	if err != nil {
		return classifyS7(err)
	}
	return nil
}

func classifyS7(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "address out of range"),
		strings.Contains(msg, "object does not exist"),
		strings.Contains(msg, "not available"):
		return &PlcError{Kind: tag.ErrorNotFound, Err: err}
	case strings.Contains(msg, "timeout"):
		return &PlcError{Kind: tag.ErrorTimeout, Err: err}
	}
	return &PlcError{Kind: tag.ErrorUnreachable, Err: err}
}
