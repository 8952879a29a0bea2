package config

import (
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/spf13/pflag"
	"github.com/stellar/go/support/strutils"
)

// Options is a group of Options that can be for convenience
// initialized and set at the same time.
type Options []*Option

// Validate all the config options.
func (options Options) Validate() error {
	var missingOptions []missingRequiredOptionError
	for _, option := range options {
		if option.Validate == nil {
			continue
		}
		err := option.Validate(option)
		if err == nil {
			continue
		}
		var missing missingRequiredOptionError
		if errors.As(err, &missing) {
			missingOptions = append(missingOptions, missing)
			continue
		}
		return fmt.Errorf("invalid config value for %s: %w", option.Name, err)
	}
	if len(missingOptions) > 0 {
		// combine all the missing options into a single error
		errString := "the following required configuration parameters are missing:"
		for _, missingOpt := range missingOptions {
			errString += "\n*\t" + missingOpt.strErr
			errString += "\n \t" + missingOpt.usage
		}
		return missingRequiredOptionError{strErr: errString}
	}
	return nil
}

// Option is a complete description of the configuration of a command line option
type Option struct {
	Name           string                           // e.g. "db-path"
	EnvVar         string                           // e.g. "DB_PATH". Defaults to uppercase/underscore representation of name
	TomlKey        string                           // e.g. "DB_PATH". Defaults to uppercase/underscore representation of name. - to omit from toml
	Usage          string                           // Help text
	DefaultValue   interface{}                      // A default if no option is provided. Omit or set to `nil` if no default
	ConfigKey      interface{}                      // Pointer to the final key in the linked Config struct
	CustomSetValue func(*Option, interface{}) error // Optional function for custom validation/transformation
	Validate       func(*Option) error              // Function called after loading all options, to validate the configuration
	MarshalTOML    func(*Option) (interface{}, error)

	flag *pflag.Flag // The persistent flag that the config option is attached to
}

// Returns false if this option is omitted in the toml
func (o Option) getTomlKey() (string, bool) {
	if o.TomlKey == "-" || o.TomlKey == "_" {
		return "", false
	}
	if o.TomlKey != "" {
		return o.TomlKey, true
	}
	if envVar, ok := o.getEnvKey(); ok {
		return envVar, true
	}
	return strutils.KebabToConstantCase(o.Name), true
}

// Returns false if this option is omitted in the env
func (o Option) getEnvKey() (string, bool) {
	if o.EnvVar == "-" || o.EnvVar == "_" {
		return "", false
	}
	if o.EnvVar != "" {
		return o.EnvVar, true
	}
	return strutils.KebabToConstantCase(o.Name), true
}

func (o *Option) setValue(i interface{}) (err error) {
	if o.CustomSetValue != nil {
		return o.CustomSetValue(o, i)
	}
	// reflect panics when it cannot set the value, report that as an error
	defer func() {
		if recoverRes := recover(); recoverRes != nil {
			var ok bool
			if err, ok = recoverRes.(error); ok {
				return
			}
			err = fmt.Errorf("config option setting error ('%s') %v", o.Name, recoverRes)
		}
	}()
	parser := func(option *Option, i interface{}) error {
		return fmt.Errorf("no parser for flag %s", o.Name)
	}
	switch o.ConfigKey.(type) {
	case *bool:
		parser = parseBool
	case *int, *int8, *int16, *int32, *int64:
		parser = parseInt
	case *uint, *uint8, *uint16, *uint32:
		parser = parseUint32
	case *uint64:
		parser = parseUint
	case *string:
		parser = parseString
	case *time.Duration:
		parser = parseDuration
	}

	return parser(o, i)
}

func (o *Option) marshalTOML() (interface{}, error) {
	if o.MarshalTOML != nil {
		return o.MarshalTOML(o)
	}
	// go-toml doesn't handle ints other than `int`, so we have to do that ourselves.
	switch v := o.ConfigKey.(type) {
	case *int, *int8, *int16, *int32, *int64:
		return reflect.ValueOf(v).Elem().Int(), nil
	case *uint, *uint8, *uint16, *uint32, *uint64:
		return reflect.ValueOf(v).Elem().Uint(), nil
	case *time.Duration:
		return v.String(), nil
	default:
		return reflect.ValueOf(o.ConfigKey).Elem().Interface(), nil
	}
}
