package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"по умолчанию", func(c *Config) {}, false},
		{"T2 меньше T1", func(c *Config) { c.T2 = c.T1 / 2 }, true},
		{"нулевой Timer H", func(c *Config) { c.TimerH = 0 }, true},
		{"нулевое ожидание ответа", func(c *Config) { c.NoAnswerTimeout = 0 }, true},
		{"неизвестная политика 100rel", func(c *Config) { c.Rel100 = "maybe" }, true},
		{"100rel required", func(c *Config) { c.Rel100 = Rel100Required }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := DefaultConfig()
			tt.mutate(&c)
			err := c.Validate()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestConfig_Derived(t *testing.T) {
	c := DefaultConfig()
	c.T1 = 100 * time.Millisecond
	assert.Equal(t, 6400*time.Millisecond, c.PrackTimeout())
	assert.Equal(t, 32*time.Second, DefaultConfig().TimerH)

	allow := c.AllowHeader()
	assert.Equal(t, "Allow", allow.Name())
	assert.Contains(t, allow.Value(), "PRACK")
	assert.Contains(t, allow.Value(), "REFER")
}
