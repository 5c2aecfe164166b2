package template

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"math"
	"math/rand"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"

	"github.com/prasenjit/translucent/internal/state"
)

// Character classes for random.string.
var charClasses = map[string]string{
	"alpha":   "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ",
	"alnum":   "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789",
	"numeric": "0123456789",
	"hex":     "0123456789abcdef",
	"lower":   "abcdefghijklmnopqrstuvwxyz",
	"upper":   "ABCDEFGHIJKLMNOPQRSTUVWXYZ",
}

var sampleNames = []string{"John", "Jane", "Bob", "Alice", "Charlie", "Diana", "Eve", "Frank"}

// bindResolver attaches the resolver for a parsed slot, validating generator
// arguments.
func bindResolver(s *Slot) error {
	switch s.Source {
	case "path":
		return bindCapture(s, func(ctx *Context) (string, bool) {
			v, ok := ctx.PathParams[s.Key]
			return v, ok
		})
	case "query":
		return bindCapture(s, func(ctx *Context) (string, bool) {
			vals, ok := ctx.Query[s.Key]
			if !ok || len(vals) == 0 {
				return "", false
			}
			return vals[0], true
		})
	case "header":
		return bindCapture(s, func(ctx *Context) (string, bool) {
			// Headers are case-insensitive
			vals := ctx.Headers.Values(s.Key)
			if len(vals) == 0 {
				return "", false
			}
			return vals[0], true
		})
	case "body":
		if s.Key == "" {
			return fmt.Errorf("body needs a path, use request.body for the whole body")
		}
		s.typed = true
		s.resolve = func(_ *Engine, ctx *Context) (value, error) {
			if len(bytes.TrimSpace(ctx.Body)) == 0 {
				return value{}, ErrMissing
			}
			if !gjson.ValidBytes(ctx.Body) {
				return value{}, ErrInvalidBody
			}
			r := gjson.GetBytes(ctx.Body, s.Key)
			if !r.Exists() {
				return value{}, ErrMissing
			}
			return value{text: r.String(), raw: r.Raw}, nil
		}
		return nil
	case "request":
		return bindRequest(s)
	case "state":
		return bindState(s)
	case "random":
		return bindRandom(s)
	case "timestamp":
		return bindTimestamp(s)
	}
	return fmt.Errorf("unknown source %q", s.Source)
}

func bindCapture(s *Slot, lookup func(ctx *Context) (string, bool)) error {
	if s.Key == "" {
		return fmt.Errorf("%s needs a name", s.Source)
	}
	s.resolve = func(_ *Engine, ctx *Context) (value, error) {
		v, ok := lookup(ctx)
		if !ok {
			return value{}, ErrMissing
		}
		return value{text: v}, nil
	}
	return nil
}

func bindRequest(s *Slot) error {
	var get func(ctx *Context) string
	switch s.Key {
	case "method":
		get = func(ctx *Context) string { return ctx.Method }
	case "path":
		get = func(ctx *Context) string { return ctx.Path }
	case "query":
		get = func(ctx *Context) string { return ctx.RawQuery }
	case "body":
		get = func(ctx *Context) string { return string(ctx.Body) }
	case "session":
		s.resolve = func(_ *Engine, ctx *Context) (value, error) {
			if ctx.Session == "" {
				return value{}, ErrMissing
			}
			return value{text: ctx.Session}, nil
		}
		return nil
	default:
		return fmt.Errorf("unknown request field %q", s.Key)
	}
	s.resolve = func(_ *Engine, ctx *Context) (value, error) {
		return value{text: get(ctx)}, nil
	}
	return nil
}

func bindState(s *Slot) error {
	if s.Key == "" {
		return fmt.Errorf("state needs a name")
	}
	s.typed = true
	s.resolve = func(_ *Engine, ctx *Context) (value, error) {
		if ctx.State == nil {
			return value{}, fmt.Errorf("no simulation state")
		}
		kind, ok := ctx.State.Kind(s.Key)
		if !ok {
			return value{}, fmt.Errorf("unknown state %q", s.Key)
		}
		if kind == state.KindFlag {
			v := strconv.FormatBool(ctx.State.Flag(s.Key))
			return value{text: v, raw: v}, nil
		}
		v := strconv.FormatInt(ctx.State.Counter(s.Key), 10)
		return value{text: v, raw: v}, nil
	}
	return nil
}

func fixed(f func(e *Engine) string, typed bool) resolver {
	return func(e *Engine, _ *Context) (value, error) {
		v := f(e)
		if typed {
			return value{text: v, raw: v}, nil
		}
		return value{text: v}, nil
	}
}

// bindRandom resolves random value generators
func bindRandom(s *Slot) error {
	switch s.Func {
	case "uuid":
		s.resolve = fixed(func(*Engine) string { return uuid.New().String() }, false)
	case "int":
		lo, hi := int64(0), int64(999999)
		if len(s.Args) != 0 && len(s.Args) != 2 {
			return fmt.Errorf("random.int takes (min,max)")
		}
		if len(s.Args) == 2 {
			var err error
			if lo, err = strconv.ParseInt(s.Args[0], 10, 64); err != nil {
				return fmt.Errorf("random.int min: %w", err)
			}
			if hi, err = strconv.ParseInt(s.Args[1], 10, 64); err != nil {
				return fmt.Errorf("random.int max: %w", err)
			}
			if hi < lo {
				return fmt.Errorf("random.int min %d is greater than max %d", lo, hi)
			}
		}
		s.typed = true
		s.resolve = fixed(func(e *Engine) string {
			var n int64
			e.withRand(func(r *rand.Rand) { n = randomInt(r, lo, hi) })
			return strconv.FormatInt(n, 10)
		}, true)
	case "float":
		lo, hi := 0.0, 1000.0
		if len(s.Args) != 0 && len(s.Args) != 2 {
			return fmt.Errorf("random.float takes (min,max)")
		}
		if len(s.Args) == 2 {
			var err error
			if lo, err = strconv.ParseFloat(s.Args[0], 64); err != nil {
				return fmt.Errorf("random.float min: %w", err)
			}
			if hi, err = strconv.ParseFloat(s.Args[1], 64); err != nil {
				return fmt.Errorf("random.float max: %w", err)
			}
			if math.IsNaN(lo) || math.IsInf(lo, 0) || math.IsNaN(hi) || math.IsInf(hi, 0) {
				return fmt.Errorf("random.float bounds must be finite")
			}
			if hi < lo {
				return fmt.Errorf("random.float min %g is greater than max %g", lo, hi)
			}
		}
		s.typed = true
		s.resolve = fixed(func(e *Engine) string {
			var f float64
			e.withRand(func(r *rand.Rand) { f = randomFloat(r, lo, hi) })
			// Shortest round-trip formatting keeps the value inside [lo, hi].
			return strconv.FormatFloat(f, 'f', -1, 64)
		}, true)
	case "string":
		length, charset, err := stringArgs(s.Args)
		if err != nil {
			return err
		}
		s.resolve = fixed(func(e *Engine) string {
			var out string
			e.withRand(func(r *rand.Rand) { out = randomString(r, charset, length) })
			return out
		}, false)
	case "bool":
		s.typed = true
		s.resolve = fixed(func(e *Engine) string {
			var b bool
			e.withRand(func(r *rand.Rand) { b = r.Intn(2) == 1 })
			return strconv.FormatBool(b)
		}, true)
	case "choice":
		if len(s.Args) == 0 {
			return fmt.Errorf("random.choice needs at least one option")
		}
		options := s.Args
		s.resolve = fixed(func(e *Engine) string {
			var out string
			e.withRand(func(r *rand.Rand) { out = options[r.Intn(len(options))] })
			return out
		}, false)
	case "consistent":
		return bindConsistent(s)
	case "email":
		s.resolve = fixed(func(e *Engine) string {
			var out string
			e.withRand(func(r *rand.Rand) { out = randomString(r, charClasses["lower"], 8) })
			return out + "@example.com"
		}, false)
	case "name":
		s.resolve = fixed(func(e *Engine) string {
			var out string
			e.withRand(func(r *rand.Rand) { out = sampleNames[r.Intn(len(sampleNames))] })
			return out
		}, false)
	case "phone":
		s.resolve = fixed(func(e *Engine) string {
			var out string
			e.withRand(func(r *rand.Rand) {
				out = fmt.Sprintf("+1-%03d-%03d-%04d", r.Intn(1000), r.Intn(1000), r.Intn(10000))
			})
			return out
		}, false)
	default:
		return fmt.Errorf("unknown generator random.%s", s.Func)
	}
	return nil
}

// randomInt draws uniformly from [lo, hi] without overflowing on wide ranges.
func randomInt(r *rand.Rand, lo, hi int64) int64 {
	width := uint64(hi) - uint64(lo)
	if width < math.MaxInt64 {
		return lo + r.Int63n(int64(width)+1)
	}
	if width == math.MaxUint64 {
		return int64(r.Uint64())
	}
	// Rejection sampling keeps the draw uniform when width+1 exceeds Int63n's domain.
	for {
		if n := r.Uint64(); n <= width {
			return int64(uint64(lo) + n)
		}
	}
}

// randomFloat draws from [lo, hi]; interpolating avoids hi-lo overflowing.
func randomFloat(r *rand.Rand, lo, hi float64) float64 {
	u := r.Float64()
	f := lo*(1-u) + hi*u
	return math.Min(math.Max(f, lo), hi)
}

func stringArgs(args []string) (int, string, error) {
	length, charset := 10, charClasses["alnum"]
	if len(args) > 2 {
		return 0, "", fmt.Errorf("random.string takes (length[,class])")
	}
	if len(args) >= 1 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return 0, "", fmt.Errorf("random.string length must be a positive integer, got %q", args[0])
		}
		length = n
	}
	if len(args) == 2 {
		cs, ok := charClasses[args[1]]
		if !ok {
			return 0, "", fmt.Errorf("unknown character class %q", args[1])
		}
		charset = cs
	}
	return length, charset, nil
}

// bindConsistent binds random.consistent(capture,length): the generated string
// is derived from the captured value, so the same input always yields the
// same output.
func bindConsistent(s *Slot) error {
	if len(s.Args) < 1 || len(s.Args) > 3 {
		return fmt.Errorf("random.consistent takes (capture[,length[,class]])")
	}
	ref, err := parseSlot(s.Args[0])
	if err != nil {
		return fmt.Errorf("random.consistent capture: %w", err)
	}
	switch ref.Source {
	case "path", "query", "header", "body", "request":
	default:
		return fmt.Errorf("random.consistent needs a request capture, got %q", ref.Expr)
	}
	length, charset, err := stringArgs(s.Args[1:])
	if err != nil {
		return err
	}

	s.resolve = func(e *Engine, ctx *Context) (value, error) {
		in, err := ref.resolve(e, ctx)
		if err != nil {
			return value{}, err
		}
		h := fnv.New64a()
		h.Write([]byte(ref.Expr))
		h.Write([]byte{0})
		h.Write([]byte(in.text))
		r := rand.New(rand.NewSource(int64(h.Sum64())))
		return value{text: randomString(r, charset, length)}, nil
	}
	return nil
}

// Reference returns the capture slot a consistent generator derives from.
func (s *Slot) Reference() *Slot {
	if s.Source != "random" || s.Func != "consistent" || len(s.Args) == 0 {
		return nil
	}
	ref, err := parseSlot(s.Args[0])
	if err != nil {
		return nil
	}
	return ref
}

// bindTimestamp resolves timestamp generators
func bindTimestamp(s *Slot) error {
	var format func(now time.Time) string
	switch s.Func {
	case "", "unix":
		format = func(now time.Time) string { return strconv.FormatInt(now.Unix(), 10) }
	case "unixMilli":
		format = func(now time.Time) string { return strconv.FormatInt(now.UnixMilli(), 10) }
	case "unixNano":
		format = func(now time.Time) string { return strconv.FormatInt(now.UnixNano(), 10) }
	case "iso":
		format = func(now time.Time) string { return now.Format(time.RFC3339) }
	case "date":
		format = func(now time.Time) string { return now.Format("2006-01-02") }
	case "time":
		format = func(now time.Time) string { return now.Format("15:04:05") }
	case "datetime":
		format = func(now time.Time) string { return now.Format("2006-01-02 15:04:05") }
	case "format":
		if len(s.Args) != 1 || s.Args[0] == "" {
			return fmt.Errorf("timestamp.format needs a layout")
		}
		layout := s.Args[0]
		format = func(now time.Time) string { return now.Format(layout) }
	case "add":
		if len(s.Args) != 1 {
			return fmt.Errorf("timestamp.add needs a duration")
		}
		// Add duration to current time: timestamp.add(1h)
		d, err := time.ParseDuration(s.Args[0])
		if err != nil {
			return fmt.Errorf("timestamp.add: %w", err)
		}
		format = func(now time.Time) string { return now.Add(d).Format(time.RFC3339) }
	default:
		return fmt.Errorf("unknown generator timestamp.%s", s.Func)
	}
	s.resolve = fixed(func(e *Engine) string { return format(e.now()) }, false)
	return nil
}

// randomString generates a random string drawn from charset
func randomString(r *rand.Rand, charset string, length int) string {
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		b.WriteByte(charset[r.Intn(len(charset))])
	}
	return b.String()
}
