package config

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigOptionGetTomlKey(t *testing.T) {
	// Explicitly set toml key
	key, ok := Option{TomlKey: "TOML_KEY"}.getTomlKey()
	assert.Equal(t, "TOML_KEY", key)
	assert.True(t, ok)

	// Explicitly disabled toml key via `-`
	key, ok = Option{TomlKey: "-"}.getTomlKey()
	assert.Equal(t, "", key)
	assert.False(t, ok)

	// Fallback to env var
	key, ok = Option{EnvVar: "ENV_VAR"}.getTomlKey()
	assert.Equal(t, "ENV_VAR", key)
	assert.True(t, ok)

	// Env-var disabled, autogenerate from name
	key, ok = Option{Name: "test-flag", EnvVar: "-"}.getTomlKey()
	assert.Equal(t, "TEST_FLAG", key)
	assert.True(t, ok)
}

func TestValidateRequired(t *testing.T) {
	var strVal string
	o := &Option{
		Name:      "required-option",
		ConfigKey: &strVal,
		Validate:  required,
	}

	// unset
	require.ErrorContains(t, o.Validate(o), "required-option is required")

	// set with blank value
	require.NoError(t, o.setValue(""))
	require.ErrorContains(t, o.Validate(o), "required-option is required")

	// set with valid value
	require.NoError(t, o.setValue("not-blank"))
	require.NoError(t, o.Validate(o))
}

func TestValidatePositive(t *testing.T) {
	var u32 uint32
	var d time.Duration
	for _, key := range []interface{}{&u32, &d} {
		o := &Option{
			Name:      "positive-option",
			ConfigKey: key,
			Validate:  positive,
		}
		require.ErrorContains(t, o.Validate(o), "positive-option must be positive")
	}

	u32 = 1
	d = time.Second
	for _, key := range []interface{}{&u32, &d} {
		o := &Option{Name: "positive-option", ConfigKey: key, Validate: positive}
		require.NoError(t, o.Validate(o))
	}
}

func TestMissingOptionsAreCombined(t *testing.T) {
	var a, b string
	options := Options{
		{Name: "first", ConfigKey: &a, Validate: required, Usage: "the first one"},
		{Name: "second", ConfigKey: &b, Validate: required, Usage: "the second one"},
	}
	err := options.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "first is required")
	assert.Contains(t, err.Error(), "second is required")
	assert.Contains(t, err.Error(), "the second one")
}

func TestNoParserForFlag(t *testing.T) {
	var co Option
	var invalidKey []time.Duration
	co.Name = "mykey"
	co.ConfigKey = &invalidKey
	err := co.setValue("abc")
	require.Error(t, err)
	require.Contains(t, err.Error(), "no parser for flag mykey")
}

func TestSetValueBool(t *testing.T) {
	var b bool
	testCases := []setValueTestCase{
		{"valid-bool", true, ""},
		{"valid-bool-string", "true", ""},
		{"valid-bool-string-uppercase", "TRUE", ""},
		{"invalid-bool-string", "foobar", "invalid boolean value invalid-bool-string: foobar"},
	}
	runTestCases(t, &b, testCases)
}

func TestSetValueInt(t *testing.T) {
	var i int
	testCases := []setValueTestCase{
		{"valid-int", 1, ""},
		{"valid-int-string", "1", ""},
		{"invalid-int-string", "abcd", "strconv.ParseInt: parsing \"abcd\": invalid syntax"},
	}
	runTestCases(t, &i, testCases)
}

func TestSetValueUint32(t *testing.T) {
	var u32 uint32
	testCases := []setValueTestCase{
		{"valid-uint32", 1, ""},
		{"overflow-uint32", uint64(math.MaxUint32) + 1, "overflow-uint32 overflows uint32"},
		{"negative-uint32", -1, "negative-uint32 cannot be negative"},
	}
	runTestCases(t, &u32, testCases)
}

func TestSetValueDuration(t *testing.T) {
	var d time.Duration
	testCases := []setValueTestCase{
		{"valid-duration", 5 * time.Second, ""},
		{"valid-duration-string", "1m30s", ""},
		{"invalid-duration-string", "soon", "could not parse duration: \"soon\": time: invalid duration \"soon\""},
	}
	runTestCases(t, &d, testCases)
}

type setValueTestCase struct {
	name  string
	value interface{}
	err   string
}

func runTestCases(t *testing.T, key interface{}, testCases []setValueTestCase) {
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			co := Option{
				Name:      tc.name,
				ConfigKey: key,
			}
			err := co.setValue(tc.value)
			if tc.err != "" {
				require.EqualError(t, err, tc.err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
