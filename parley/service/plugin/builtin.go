package plugin

import (
	"bytes"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"

	"gopkg.in/yaml.v3"
)

const defaultDumpBytes = 256

// Factory builds a Plugin from the params block of a manifest.
type Factory struct {
	Role Role
	New  func(params *yaml.Node) (Plugin, error)
}

// BuiltinFactories returns the manifest kinds shipped with parley.
// All of them are byte-level; none assumes an application protocol.
func BuiltinFactories() map[string]Factory {
	return map[string]Factory{
		"replace":       {Role: RoleModifier, New: newReplacePlugin},
		"regex_replace": {Role: RoleModifier, New: newRegexReplacePlugin},
		"hexdump":       {Role: RoleObserver, New: newHexdumpPlugin},
		"text":          {Role: RoleObserver, New: newTextPlugin},
		"match":         {Role: RoleObserver, New: newMatchPlugin},
	}
}

func decodeParams(node *yaml.Node, dest any) error {
	if node == nil || node.Kind == 0 {
		return nil
	}
	if err := node.Decode(dest); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

// decodeBytes prefers the hex form when both are present.
func decodeBytes(literal, hexValue, field string) ([]byte, error) {
	if hexValue != "" {
		b, err := hex.DecodeString(hexValue)
		if err != nil {
			return nil, fmt.Errorf("invalid %s_hex: %w", field, err)
		}
		return b, nil
	}
	return []byte(literal), nil
}

type replacePlugin struct {
	match   []byte
	replace []byte
	prefix  bool
	count   int
}

func newReplacePlugin(params *yaml.Node) (Plugin, error) {
	var p struct {
		Match      string `yaml:"match"`
		MatchHex   string `yaml:"match_hex"`
		Replace    string `yaml:"replace"`
		ReplaceHex string `yaml:"replace_hex"`
		Prefix     bool   `yaml:"prefix"`
		Count      int    `yaml:"count"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}

	match, err := decodeBytes(p.Match, p.MatchHex, "match")
	if err != nil {
		return nil, err
	} else if len(match) == 0 {
		return nil, errors.New("replace requires match or match_hex")
	}
	replace, err := decodeBytes(p.Replace, p.ReplaceHex, "replace")
	if err != nil {
		return nil, err
	}

	count := p.Count
	if count <= 0 {
		count = -1
	}
	return &replacePlugin{match: match, replace: replace, prefix: p.Prefix, count: count}, nil
}

func (p *replacePlugin) Description() string {
	if p.prefix {
		return fmt.Sprintf("replace leading %q with %q", p.match, p.replace)
	}
	return fmt.Sprintf("replace %q with %q", p.match, p.replace)
}

func (p *replacePlugin) Apply(_ Message, data []byte, out Emitter) ([]byte, error) {
	if p.prefix {
		if !bytes.HasPrefix(data, p.match) {
			return data, nil
		}
		result := make([]byte, 0, len(data)-len(p.match)+len(p.replace))
		result = append(result, p.replace...)
		result = append(result, data[len(p.match):]...)
		out.Emit("replaced prefix")
		return result, nil
	}

	n := bytes.Count(data, p.match)
	if n == 0 {
		return data, nil
	}
	if p.count > 0 && n > p.count {
		n = p.count
	}
	out.Emit(fmt.Sprintf("replaced %d occurrence(s)", n))
	return bytes.Replace(data, p.match, p.replace, p.count), nil
}

type regexReplacePlugin struct {
	re      *regexp.Regexp
	replace []byte
}

func newRegexReplacePlugin(params *yaml.Node) (Plugin, error) {
	var p struct {
		Pattern string `yaml:"pattern"`
		Replace string `yaml:"replace"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	} else if p.Pattern == "" {
		return nil, errors.New("regex_replace requires pattern")
	}

	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	return &regexReplacePlugin{re: re, replace: []byte(p.Replace)}, nil
}

func (p *regexReplacePlugin) Description() string {
	return fmt.Sprintf("regex replace /%s/ with %q", p.re, p.replace)
}

func (p *regexReplacePlugin) Apply(_ Message, data []byte, out Emitter) ([]byte, error) {
	matches := p.re.FindAllIndex(data, -1)
	if len(matches) == 0 {
		return data, nil
	}
	out.Emit(fmt.Sprintf("replaced %d match(es)", len(matches)))
	if result := p.re.ReplaceAll(data, p.replace); result != nil {
		return result, nil
	}
	return []byte{}, nil // everything matched an empty replacement
}

type hexdumpPlugin struct {
	maxBytes int
}

func newHexdumpPlugin(params *yaml.Node) (Plugin, error) {
	var p struct {
		MaxBytes int `yaml:"max_bytes"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.MaxBytes == 0 {
		p.MaxBytes = defaultDumpBytes
	}
	return &hexdumpPlugin{maxBytes: p.MaxBytes}, nil
}

func (p *hexdumpPlugin) Description() string {
	return "hex dump of each message"
}

func (p *hexdumpPlugin) Apply(msg Message, data []byte, out Emitter) ([]byte, error) {
	shown, truncated := clip(data, p.maxBytes)
	header := fmt.Sprintf("%d bytes %s -> %s", len(data), msg.Source, msg.Dest)
	if truncated {
		header += fmt.Sprintf(" (first %d shown)", len(shown))
	}
	out.Emit(header + "\n" + string(bytes.TrimRight([]byte(hex.Dump(shown)), "\n")))
	return data, nil
}

type textPlugin struct {
	maxBytes int
}

func newTextPlugin(params *yaml.Node) (Plugin, error) {
	var p struct {
		MaxBytes int `yaml:"max_bytes"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	}
	if p.MaxBytes == 0 {
		p.MaxBytes = defaultDumpBytes
	}
	return &textPlugin{maxBytes: p.MaxBytes}, nil
}

func (p *textPlugin) Description() string {
	return "printable text of each message"
}

func (p *textPlugin) Apply(_ Message, data []byte, out Emitter) ([]byte, error) {
	shown, truncated := clip(data, p.maxBytes)
	text := fmt.Sprintf("%q", shown)
	if truncated {
		text += fmt.Sprintf(" (+%d bytes)", len(data)-len(shown))
	}
	out.Emit(text)
	return data, nil
}

type matchPlugin struct {
	re    *regexp.Regexp
	label string
}

func newMatchPlugin(params *yaml.Node) (Plugin, error) {
	var p struct {
		Pattern string `yaml:"pattern"`
		Label   string `yaml:"label"`
	}
	if err := decodeParams(params, &p); err != nil {
		return nil, err
	} else if p.Pattern == "" {
		return nil, errors.New("match requires pattern")
	}

	re, err := regexp.Compile(p.Pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}
	if p.Label == "" {
		p.Label = re.String()
	}
	return &matchPlugin{re: re, label: p.Label}, nil
}

func (p *matchPlugin) Description() string {
	return "report messages matching /" + p.re.String() + "/"
}

func (p *matchPlugin) Apply(_ Message, data []byte, out Emitter) ([]byte, error) {
	if m := p.re.Find(data); m != nil {
		out.Emit(fmt.Sprintf("match %s: %q", p.label, m))
	}
	return data, nil
}

// clip limits data to limit bytes; a negative limit disables the limit.
func clip(data []byte, limit int) ([]byte, bool) {
	if limit < 0 || len(data) <= limit {
		return data, false
	}
	return data[:limit], true
}
