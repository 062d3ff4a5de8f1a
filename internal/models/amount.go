package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/holiman/uint256"
)

var (
	ErrInvalidAmount  = errors.New("invalid amount")
	ErrAmountOverflow = errors.New("amount overflow")
)

// Amount is a non-negative base-unit integer (wei-style). It is stored and
// serialized as a decimal string.
type Amount struct {
	i uint256.Int
}

func NewAmount(v uint64) Amount {
	var a Amount
	a.i.SetUint64(v)
	return a
}

// ParseAmount accepts a plain decimal integer string ("0", "1000").
func ParseAmount(s string) (Amount, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Amount{}, fmt.Errorf("%w: empty", ErrInvalidAmount)
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return Amount{}, fmt.Errorf("%w: %q", ErrInvalidAmount, s)
		}
	}
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return Amount{}, fmt.Errorf("%w: %q: %v", ErrInvalidAmount, s, err)
	}
	return Amount{i: *v}, nil
}

// MustAmount panics on malformed input. Test and constant use only.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s)
	if err != nil {
		panic(err)
	}
	return a
}

func (a Amount) String() string { return a.i.Dec() }

// Float64 is lossy and only meant for gauges.
func (a Amount) Float64() float64 {
	f, _ := strconv.ParseFloat(a.i.Dec(), 64)
	return f
}

func (a Amount) IsZero() bool { return a.i.IsZero() }

func (a Amount) Cmp(b Amount) int { return a.i.Cmp(&b.i) }

func (a Amount) Lt(b Amount) bool { return a.i.Lt(&b.i) }

func (a Amount) Gte(b Amount) bool { return !a.i.Lt(&b.i) }

func (a Amount) Add(b Amount) (Amount, error) {
	var out Amount
	if _, overflow := out.i.AddOverflow(&a.i, &b.i); overflow {
		return Amount{}, ErrAmountOverflow
	}
	return out, nil
}

// Sub returns a-b and false when b > a.
func (a Amount) Sub(b Amount) (Amount, bool) {
	var out Amount
	if _, underflow := out.i.SubOverflow(&a.i, &b.i); underflow {
		return Amount{}, false
	}
	return out, true
}

// SubFloor returns a-b clamped at zero.
func (a Amount) SubFloor(b Amount) Amount {
	if out, ok := a.Sub(b); ok {
		return out
	}
	return Amount{}
}

// MulDiv returns a*num/den with truncation.
func (a Amount) MulDiv(num, den uint64) (Amount, error) {
	if den == 0 {
		return Amount{}, errors.New("division by zero")
	}
	var out Amount
	n := uint256.NewInt(num)
	if _, overflow := out.i.MulOverflow(&a.i, n); overflow {
		return Amount{}, ErrAmountOverflow
	}
	out.i.Div(&out.i, uint256.NewInt(den))
	return out, nil
}

// Div returns a/b truncated. Division by zero yields zero.
func (a Amount) Div(b Amount) Amount {
	var out Amount
	out.i.Div(&a.i, &b.i)
	return out
}

// Uint64 returns the value and whether it fits.
func (a Amount) Uint64() (uint64, bool) {
	if !a.i.IsUint64() {
		return 0, false
	}
	return a.i.Uint64(), true
}

func SumAmounts(amounts ...Amount) (Amount, error) {
	var total Amount
	for _, a := range amounts {
		var err error
		if total, err = total.Add(a); err != nil {
			return Amount{}, err
		}
	}
	return total, nil
}

func (a Amount) Value() (driver.Value, error) {
	return a.String(), nil
}

func (a *Amount) Scan(src any) error {
	var s string
	switch v := src.(type) {
	case nil:
		*a = Amount{}
		return nil
	case string:
		s = v
	case []byte:
		s = string(v)
	case int64:
		if v < 0 {
			return fmt.Errorf("%w: negative %d", ErrInvalidAmount, v)
		}
		*a = NewAmount(uint64(v))
		return nil
	default:
		return fmt.Errorf("cannot scan %T into Amount", src)
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// GormDataType keeps amounts in a text column; numeric ordering is done in Go.
func (Amount) GormDataType() string { return "string" }

func (a Amount) MarshalJSON() ([]byte, error) {
	return json.Marshal(a.String())
}

func (a *Amount) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err2 := json.Unmarshal(data, &n); err2 != nil {
			return fmt.Errorf("%w: %s", ErrInvalidAmount, string(data))
		}
		s = n.String()
	}
	parsed, err := ParseAmount(s)
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}
