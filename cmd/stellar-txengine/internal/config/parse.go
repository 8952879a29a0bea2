package config

import (
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

func parseBool(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case bool:
		//nolint:forcetypeassert
		*option.ConfigKey.(*bool) = v
	case string:
		b, err := strconv.ParseBool(strings.ToLower(v))
		if err != nil {
			return fmt.Errorf("invalid boolean value %s: %s", option.Name, v)
		}
		//nolint:forcetypeassert
		*option.ConfigKey.(*bool) = b
	default:
		return fmt.Errorf("could not parse boolean %s: %v", option.Name, i)
	}
	return nil
}

func parseInt(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		parsed, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return err
		}
		reflect.ValueOf(option.ConfigKey).Elem().SetInt(parsed)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return parseInt(option, fmt.Sprint(v))
	default:
		return fmt.Errorf("could not parse int %s: %v", option.Name, i)
	}
	return nil
}

func parseUint(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		reflect.ValueOf(option.ConfigKey).Elem().SetUint(parsed)
	case int, int8, int16, int32, int64:
		if reflect.ValueOf(v).Int() < 0 {
			return fmt.Errorf("%s cannot be negative", option.Name)
		}
		return parseUint(option, fmt.Sprint(v))
	case uint, uint8, uint16, uint32, uint64:
		return parseUint(option, fmt.Sprint(v))
	default:
		return fmt.Errorf("could not parse uint %s: %v", option.Name, i)
	}
	return nil
}

// parseUint32 also serves uint, uint8 and uint16 keys; reflect rejects
// values that overflow the narrower ones.
func parseUint32(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		parsed, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return err
		}
		if parsed > math.MaxUint32 {
			return fmt.Errorf("%s overflows uint32", option.Name)
		}
		value := reflect.ValueOf(option.ConfigKey).Elem()
		if value.OverflowUint(parsed) {
			return fmt.Errorf("%s overflows %s", option.Name, value.Kind())
		}
		value.SetUint(parsed)
	case int, int8, int16, int32, int64:
		if reflect.ValueOf(v).Int() < 0 {
			return fmt.Errorf("%s cannot be negative", option.Name)
		}
		return parseUint32(option, fmt.Sprint(v))
	case uint, uint8, uint16, uint32, uint64:
		return parseUint32(option, fmt.Sprint(v))
	default:
		return fmt.Errorf("could not parse uint32 %s: %v", option.Name, i)
	}
	return nil
}

func parseString(option *Option, i interface{}) error {
	switch v := i.(type) {
	case nil:
		return nil
	case string:
		strPtr, ok := option.ConfigKey.(*string)
		if !ok {
			return fmt.Errorf("invalid type for %s: expected *string", option.Name)
		}
		*strPtr = v
	default:
		return fmt.Errorf("could not parse string %s: %v", option.Name, i)
	}
	return nil
}

func parseDuration(option *Option, i interface{}) error {
	durationPtr, ok := option.ConfigKey.(*time.Duration)
	if !ok {
		return fmt.Errorf("invalid type for %s: expected *time.Duration", option.Name)
	}

	switch v := i.(type) {
	case nil:
		return nil
	case string:
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("could not parse duration: %q: %w", v, err)
		}
		*durationPtr = d
	case time.Duration:
		*durationPtr = v
	case *time.Duration:
		*durationPtr = *v
	default:
		return fmt.Errorf("%s is not a duration", option.Name)
	}
	return nil
}
