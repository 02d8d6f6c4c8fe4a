package mapping

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"school-integration/internal/common/models"
)

type TransformName string

const (
	TransformTrim                 TransformName = "trim"
	TransformUppercase            TransformName = "uppercase"
	TransformLowercase            TransformName = "lowercase"
	TransformToString             TransformName = "to_string"
	TransformToNumber             TransformName = "to_number"
	TransformToBool               TransformName = "to_bool"
	TransformDateISOToDMY         TransformName = "date_iso_to_dmy"
	TransformDateDMYToISO         TransformName = "date_dmy_to_iso"
	TransformDateISOToUS          TransformName = "date_iso_to_us"
	TransformGenderCode           TransformName = "gender_code"
	TransformEnrollmentStatusCode TransformName = "enrollment_status_code"
	TransformPhoneDigits          TransformName = "phone_digits"
)

const (
	layoutISO = "2006-01-02"
	layoutDMY = "02/01/2006"
	layoutUS  = "01/02/2006"
)

type transformFunc func(v interface{}) (interface{}, error)

// transform holds the outbound function and the inbound one. The inbound
// function is the inverse where one exists.
type transform struct {
	outbound transformFunc
	inbound  transformFunc
}

var registry = map[TransformName]transform{
	TransformTrim:                 {trim, trim},
	TransformUppercase:            {upper, upper},
	TransformLowercase:            {lower, lower},
	TransformToString:             {toString, toString},
	TransformToNumber:             {toNumber, toNumber},
	TransformToBool:               {toBool, toBool},
	TransformDateISOToDMY:         {reformatDate(layoutISO, layoutDMY), reformatDate(layoutDMY, layoutISO)},
	TransformDateDMYToISO:         {reformatDate(layoutDMY, layoutISO), reformatDate(layoutISO, layoutDMY)},
	TransformDateISOToUS:          {reformatDate(layoutISO, layoutUS), reformatDate(layoutUS, layoutISO)},
	TransformGenderCode:           codeTable(genderCodes),
	TransformEnrollmentStatusCode: codeTable(enrollmentStatusCodes),
	TransformPhoneDigits:          {phoneDigits, phoneDigits},
}

var genderCodes = map[string]string{
	"male":   "M",
	"female": "F",
	"other":  "X",
}

var enrollmentStatusCodes = map[string]string{
	"active":    "A",
	"pending":   "P",
	"withdrawn": "W",
	"graduated": "G",
}

// IsKnownTransform reports whether name is in the registry.
func IsKnownTransform(name TransformName) bool {
	_, ok := registry[name]
	return ok
}

// Transforms lists the registered names, sorted.
func Transforms() []TransformName {
	names := make([]TransformName, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Slice(names, func(i, j int) bool { return names[i] < names[j] })
	return names
}

func applyTransform(name TransformName, dir models.Direction, v interface{}) (interface{}, error) {
	t, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", name)
	}
	if v == nil {
		return nil, nil
	}
	if dir == models.Inbound {
		return t.inbound(v)
	}
	return t.outbound(v)
}

func trim(v interface{}) (interface{}, error) {
	if s, ok := v.(string); ok {
		return strings.TrimSpace(s), nil
	}
	return v, nil
}

func upper(v interface{}) (interface{}, error) {
	if s, ok := v.(string); ok {
		return strings.ToUpper(s), nil
	}
	return v, nil
}

func lower(v interface{}) (interface{}, error) {
	if s, ok := v.(string); ok {
		return strings.ToLower(s), nil
	}
	return v, nil
}

func toString(v interface{}) (interface{}, error) {
	return stringify(v), nil
}

func toNumber(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case int, int32, int64, float32, float64:
		return n, nil
	case bool:
		if n {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(n)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", n)
		}
		return f, nil
	}
	return nil, fmt.Errorf("%T is not a number", v)
}

func toBool(v interface{}) (interface{}, error) {
	switch b := v.(type) {
	case bool:
		return b, nil
	case int:
		return b != 0, nil
	case int64:
		return b != 0, nil
	case float64:
		return b != 0, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(b)) {
		case "true", "yes", "y", "1", "t":
			return true, nil
		case "false", "no", "n", "0", "f", "":
			return false, nil
		}
		return nil, fmt.Errorf("%q is not a boolean", b)
	}
	return nil, fmt.Errorf("%T is not a boolean", v)
}

func reformatDate(from, to string) transformFunc {
	return func(v interface{}) (interface{}, error) {
		var t time.Time
		switch d := v.(type) {
		case time.Time:
			t = d
		case string:
			s := strings.TrimSpace(d)
			if s == "" {
				return "", nil
			}
			// Full timestamps are accepted where a bare ISO date is expected.
			if from == layoutISO && len(s) > len(layoutISO) {
				if ts, err := time.Parse(time.RFC3339, s); err == nil {
					t = ts
					break
				}
				s = s[:len(layoutISO)]
			}
			parsed, err := time.Parse(from, s)
			if err != nil {
				return nil, fmt.Errorf("%q does not match date layout %s", d, from)
			}
			t = parsed
		default:
			return nil, fmt.Errorf("%T is not a date", v)
		}
		return t.Format(to), nil
	}
}

// codeTable maps long names to short codes outbound and back inbound. Values
// already in the target form pass through.
func codeTable(codes map[string]string) transform {
	names := make(map[string]string, len(codes))
	for name, code := range codes {
		names[code] = name
	}
	return transform{
		outbound: func(v interface{}) (interface{}, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%T is not a string", v)
			}
			s = strings.TrimSpace(s)
			if code, ok := codes[strings.ToLower(s)]; ok {
				return code, nil
			}
			if _, ok := names[strings.ToUpper(s)]; ok {
				return strings.ToUpper(s), nil
			}
			return nil, fmt.Errorf("unknown value %q", s)
		},
		inbound: func(v interface{}) (interface{}, error) {
			s, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("%T is not a string", v)
			}
			s = strings.TrimSpace(s)
			if name, ok := names[strings.ToUpper(s)]; ok {
				return name, nil
			}
			if _, ok := codes[strings.ToLower(s)]; ok {
				return strings.ToLower(s), nil
			}
			return nil, fmt.Errorf("unknown value %q", s)
		},
	}
}

func phoneDigits(v interface{}) (interface{}, error) {
	s := stringify(v)
	var b strings.Builder
	for i, r := range strings.TrimSpace(s) {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		} else if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String(), nil
}

func stringify(v interface{}) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case float64:
		return strconv.FormatFloat(s, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(s), 'f', -1, 32)
	case time.Time:
		return s.Format(time.RFC3339)
	}
	return fmt.Sprint(v)
}
