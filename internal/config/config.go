// Package config parses engine configuration strings: comma-separated
// key=value pairs where a value may be a bare word, a number, or a nested
// parenthesized list (e.g. "columns=(a,b,c),exclusive").
package config

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/alecthomas/participle/v2"
	"github.com/alecthomas/participle/v2/lexer"
)

// ConfigError reports a malformed configuration string or an option not
// recognized by the operation it was passed to. Programmer error, not
// retryable.
type ConfigError struct {
	Msg string
}

func (e *ConfigError) Error() string { return "config: " + e.Msg }

func errf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// grammar

type configDoc struct {
	Pairs []*configPair `( @@ ( "," @@ )* )? ","?`
}

type configPair struct {
	Key   string       `@Atom`
	Value *configValue `( "=" @@ )?`
}

type configValue struct {
	Word string         `( @Atom`
	List []*configValue `  ( "(" ( @@ ( "," @@ )* )? ")" )?`
	Only []*configValue `| "(" ( @@ ( "," @@ )* )? ")" )`
}

var configLexer = lexer.MustSimple([]lexer.SimpleRule{
	// Bare atoms cover keys, option words, numbers and sizes (10MB, -100).
	{Name: "Atom", Pattern: `[A-Za-z0-9_.\-]+`},
	{Name: "Punct", Pattern: `[=(),]`},
	{Name: "Whitespace", Pattern: `[ \t\r\n]+`},
})

var configParser = participle.MustBuild[configDoc](
	participle.Lexer(configLexer),
	participle.Elide("Whitespace"),
)

// Value is a parsed option value: a word, a list, or a word naming a list
// (the "name(a,b)" form used by column_set and index).
type Value struct {
	Word string
	List []Value

	// set when the key appeared with no "=value" at all; such keys read as
	// boolean true.
	Bare bool
}

// Pair is one key=value entry, order and repetition preserved.
type Pair struct {
	Key   string
	Value Value
}

// Config is a parsed configuration string.
type Config struct {
	pairs []Pair
}

func convert(v *configValue) Value {
	if v == nil {
		return Value{Bare: true}
	}
	out := Value{Word: v.Word}
	items := v.List
	if len(v.Only) > 0 {
		items = v.Only
	}
	for _, it := range items {
		out.List = append(out.List, convert(it))
	}
	return out
}

// Parse parses a configuration string. The empty string parses to an empty
// Config; a syntax error is a ConfigError.
func Parse(s string) (*Config, error) {
	c := &Config{}
	if strings.TrimSpace(s) == "" {
		return c, nil
	}
	doc, err := configParser.ParseString("", s)
	if err != nil {
		return nil, errf("cannot parse %q: %v", s, err)
	}
	for _, p := range doc.Pairs {
		c.pairs = append(c.pairs, Pair{Key: p.Key, Value: convert(p.Value)})
	}
	return c, nil
}

// Check fails with a ConfigError if the string contains a key outside the
// allowed set for the calling operation.
func (c *Config) Check(allowed ...string) error {
	for _, p := range c.pairs {
		ok := false
		for _, a := range allowed {
			if p.Key == a {
				ok = true
				break
			}
		}
		if !ok {
			return errf("unknown option %q", p.Key)
		}
	}
	return nil
}

// Has reports whether the key appears at least once.
func (c *Config) Has(key string) bool {
	for _, p := range c.pairs {
		if p.Key == key {
			return true
		}
	}
	return false
}

// last returns the final occurrence of key, matching the usual
// last-one-wins semantics of configuration strings.
func (c *Config) last(key string) (Value, bool) {
	for i := len(c.pairs) - 1; i >= 0; i-- {
		if c.pairs[i].Key == key {
			return c.pairs[i].Value, true
		}
	}
	return Value{}, false
}

// All returns every occurrence of a repeatable key, in order.
func (c *Config) All(key string) []Value {
	var out []Value
	for _, p := range c.pairs {
		if p.Key == key {
			out = append(out, p.Value)
		}
	}
	return out
}

// Str returns the key's word value, or def when absent.
func (c *Config) Str(key, def string) string {
	v, ok := c.last(key)
	if !ok || v.Bare {
		return def
	}
	return v.Word
}

// Bool returns the key's boolean value. A bare key reads as true.
func (c *Config) Bool(key string, def bool) (bool, error) {
	v, ok := c.last(key)
	if !ok {
		return def, nil
	}
	if v.Bare {
		return true, nil
	}
	switch v.Word {
	case "true", "yes", "on", "1":
		return true, nil
	case "false", "no", "off", "0":
		return false, nil
	}
	return false, errf("option %q wants a boolean, got %q", key, v.Word)
}

// Int returns the key's integer value. Size suffixes K, M, G, T (and an
// optional trailing B) scale by powers of 1024, so "10MB" works for
// cachesize-style options.
func (c *Config) Int(key string, def int64) (int64, error) {
	v, ok := c.last(key)
	if !ok {
		return def, nil
	}
	if v.Bare || v.Word == "" {
		return 0, errf("option %q wants an integer", key)
	}
	s := strings.ToUpper(v.Word)
	mult := int64(1)
	s = strings.TrimSuffix(s, "B")
	switch {
	case strings.HasSuffix(s, "K"):
		mult, s = 1<<10, s[:len(s)-1]
	case strings.HasSuffix(s, "M"):
		mult, s = 1<<20, s[:len(s)-1]
	case strings.HasSuffix(s, "G"):
		mult, s = 1<<30, s[:len(s)-1]
	case strings.HasSuffix(s, "T"):
		mult, s = 1<<40, s[:len(s)-1]
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errf("option %q wants an integer, got %q", key, v.Word)
	}
	return n * mult, nil
}

// Strings returns the key's value as a flat list of words: either the
// parenthesized list, or the single word when no list was given.
func (c *Config) Strings(key string) []string {
	v, ok := c.last(key)
	if !ok {
		return nil
	}
	return v.Words()
}

// Words flattens a Value into its word list.
func (v Value) Words() []string {
	if len(v.List) == 0 {
		if v.Word == "" || v.Bare {
			return nil
		}
		return []string{v.Word}
	}
	var out []string
	for _, item := range v.List {
		out = append(out, item.Words()...)
	}
	return out
}

// Choice returns the key's word value and fails unless it is one of the
// permitted choices.
func (c *Config) Choice(key, def string, choices ...string) (string, error) {
	got := c.Str(key, def)
	for _, ch := range choices {
		if got == ch {
			return got, nil
		}
	}
	return "", errf("option %q wants one of %v, got %q", key, choices, got)
}
