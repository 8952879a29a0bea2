package config

import "fmt"

type LogFormat int

const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

func (f LogFormat) MarshalText() ([]byte, error) {
	switch f {
	case LogFormatText:
		return []byte("text"), nil
	case LogFormatJSON:
		return []byte("json"), nil
	default:
		return nil, fmt.Errorf("unknown log format: %d", f)
	}
}

func (f *LogFormat) UnmarshalText(input []byte) error {
	switch string(input) {
	case "text":
		*f = LogFormatText
	case "json":
		*f = LogFormatJSON
	default:
		return fmt.Errorf("unknown log format: %s", input)
	}
	return nil
}

func (f LogFormat) String() string {
	text, err := f.MarshalText()
	if err != nil {
		return fmt.Sprintf("LogFormat(%d)", int(f))
	}
	return string(text)
}
