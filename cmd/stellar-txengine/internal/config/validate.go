package config

import (
	"fmt"
	"reflect"
	"time"
)

type missingRequiredOptionError struct {
	strErr string
	usage  string
}

func (e missingRequiredOptionError) Error() string {
	return e.strErr
}

func required(option *Option) error {
	value := reflect.ValueOf(option.ConfigKey).Elem()
	switch value.Kind() {
	case reflect.Slice:
		if value.Len() > 0 {
			return nil
		}
	default:
		if !value.IsZero() {
			return nil
		}
	}

	var waysToSet []string
	if option.Name != "" && option.Name != "-" {
		waysToSet = append(waysToSet, fmt.Sprintf("specify --%s on the command line", option.Name))
	}
	if envVar, ok := option.getEnvKey(); ok {
		waysToSet = append(waysToSet, fmt.Sprintf("set the %s environment variable", envVar))
	}
	if tomlKey, ok := option.getTomlKey(); ok {
		waysToSet = append(waysToSet, fmt.Sprintf("set %s in the config file", tomlKey))
	}

	advice := ""
	switch len(waysToSet) {
	case 0:
	case 1:
		advice = fmt.Sprintf(" Please %s.", waysToSet[0])
	case 2:
		advice = fmt.Sprintf(" Please %s or %s.", waysToSet[0], waysToSet[1])
	default:
		advice = fmt.Sprintf(" Please %s, %s, or %s.", waysToSet[0], waysToSet[1], waysToSet[2])
	}

	return missingRequiredOptionError{strErr: fmt.Sprintf("%s is required.%s", option.Name, advice), usage: option.Usage}
}

func positive(option *Option) error {
	switch v := option.ConfigKey.(type) {
	case *time.Duration:
		if *v <= 0 {
			return fmt.Errorf("%s must be positive", option.Name)
		}
	case *int, *int8, *int16, *int32, *int64:
		if reflect.ValueOf(v).Elem().Int() <= 0 {
			return fmt.Errorf("%s must be positive", option.Name)
		}
	case *uint, *uint8, *uint16, *uint32, *uint64:
		if reflect.ValueOf(v).Elem().Uint() == 0 {
			return fmt.Errorf("%s must be positive", option.Name)
		}
	default:
		return fmt.Errorf("%s is not a positive integer", option.Name)
	}
	return nil
}
