package matcher

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/dispatchkit/dispatchkit/types"
)

const (
	dateLayout     = "2006-01-02"
	dateTimeLayout = time.RFC3339
	timeLayout     = "15:04:05"
)

// CoerceValue converts one raw capture to the declared kind's Go value.
// Called only after a full structural match, so failures here are
// validation errors, never routing errors.
func CoerceValue(raw string, kind types.ParamKind) (interface{}, error) {
	switch kind {
	case types.ParamString, types.ParamRemainder:
		return raw, nil
	case types.ParamInt:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "not a valid integer")
		}
		return n, nil
	case types.ParamFloat:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "not a valid float")
		}
		return f, nil
	case types.ParamDecimal:
		d, err := decimal.NewFromString(raw)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "not a valid decimal")
		}
		return d, nil
	case types.ParamUUID:
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "not a valid uuid")
		}
		return id, nil
	case types.ParamDate:
		t, err := time.Parse(dateLayout, raw)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "not a valid date (want YYYY-MM-DD)")
		}
		return t, nil
	case types.ParamDateTime:
		t, err := time.Parse(dateTimeLayout, raw)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "not a valid datetime (want RFC 3339)")
		}
		return t, nil
	case types.ParamTime:
		t, err := time.Parse(timeLayout, raw)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "not a valid time (want HH:MM:SS)")
		}
		return t, nil
	case types.ParamDuration:
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, types.Errorf(types.ErrValidation, "not a valid duration")
		}
		return d, nil
	default:
		return nil, types.Errorf(types.ErrValidation, "unknown parameter kind")
	}
}

// coerceAll coerces every captured parameter, aggregating all failures
// into a single *types.ValidationError.
func coerceAll(template *types.PathTemplate, raw map[string]string) (map[string]interface{}, error) {
	if template.ParamCount == 0 {
		return nil, nil
	}

	values := make(map[string]interface{}, template.ParamCount)
	verr := &types.ValidationError{}

	for _, seg := range template.Segments {
		if !seg.IsParam() {
			continue
		}
		capture, ok := raw[seg.Param.Name]
		if !ok {
			verr.Add(seg.Param.Name, "", "missing capture")
			continue
		}
		value, err := CoerceValue(capture, seg.Param.Kind)
		if err != nil {
			verr.Add(seg.Param.Name, capture, err.Error())
			continue
		}
		values[seg.Param.Name] = value
	}

	if verr.HasErrors() {
		return nil, verr
	}
	return values, nil
}
