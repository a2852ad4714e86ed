package main

// This file mirrors the option parsing system used by the other repository
// commands so all binaries in this module behave consistently.

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// OptionType defines the type of value an option expects.
type OptionType int

const (
	OptionTypeBool OptionType = iota
	OptionTypeString
	OptionTypeInt
)

// OptionDef defines a command-line option.
type OptionDef struct {
	Long        string
	Short       string
	Type        OptionType
	Description string
	Default     string
}

// ParsedOptions holds the parsed command-line options.
type ParsedOptions struct {
	values        map[string]string
	args          []string
	defs          map[string]*OptionDef
	shortMap      map[string]string
	explicitlySet map[string]bool
}

// NewParsedOptions creates a new options parser.
func NewParsedOptions() *ParsedOptions {
	return &ParsedOptions{
		values:        make(map[string]string),
		args:          []string{},
		defs:          make(map[string]*OptionDef),
		shortMap:      make(map[string]string),
		explicitlySet: make(map[string]bool),
	}
}

// DefineOption defines a command-line option.
func (p *ParsedOptions) DefineOption(long, short string, optType OptionType, defaultValue, description string) {
	def := &OptionDef{Long: long, Short: short, Type: optType, Description: description, Default: defaultValue}
	p.defs[long] = def
	if short != "" {
		p.shortMap[short] = long
	}
	if defaultValue != "" {
		p.values[long] = defaultValue
	}
}

// Parse parses command-line arguments.
func (p *ParsedOptions) Parse(args []string) error {
	consumed := make([]bool, len(args))

	for i := 0; i < len(args); i++ {
		if consumed[i] {
			continue
		}
		arg := args[i]
		if strings.HasPrefix(arg, "--") {
			consumed[i] = true
			if err := p.parseLongOption(arg); err != nil {
				return err
			}
		} else if strings.HasPrefix(arg, "-") && len(arg) > 1 {
			consumed[i] = true
			if err := p.parseShortOptions(arg, args, i, consumed); err != nil {
				return err
			}
		}
	}

	for i := 0; i < len(args); i++ {
		if !consumed[i] {
			p.args = append(p.args, args[i])
		}
	}
	return nil
}

func (p *ParsedOptions) parseLongOption(arg string) error {
	optName := strings.TrimPrefix(arg, "--")
	var optValue string
	if eq := strings.Index(optName, "="); eq != -1 {
		optValue = optName[eq+1:]
		optName = optName[:eq]
	}

	def, exists := p.defs[optName]
	if !exists {
		return fmt.Errorf("unknown option: --%s", optName)
	}

	switch def.Type {
	case OptionTypeBool:
		if optValue == "" || optValue == "true" || optValue == "1" {
			p.values[optName] = "true"
		} else {
			p.values[optName] = "false"
		}
		p.explicitlySet[optName] = true
	case OptionTypeString, OptionTypeInt:
		if optValue == "" {
			return fmt.Errorf("option --%s requires a value (use --%s=value)", optName, optName)
		}
		if def.Type == OptionTypeInt {
			if _, err := strconv.Atoi(optValue); err != nil {
				return fmt.Errorf("invalid integer value for --%s: %s", optName, optValue)
			}
		}
		p.values[optName] = optValue
		p.explicitlySet[optName] = true
	}
	return nil
}

func (p *ParsedOptions) parseShortOptions(arg string, args []string, i int, consumed []bool) error {
	shortOpts := strings.TrimPrefix(arg, "-")
	counts := make(map[string]int)
	for _, r := range shortOpts {
		short := string(r)
		if _, exists := p.shortMap[short]; !exists {
			return fmt.Errorf("unknown option: -%s", short)
		}
		counts[short]++
	}

	for short, count := range counts {
		longOpt := p.shortMap[short]
		def := p.defs[longOpt]
		switch def.Type {
		case OptionTypeBool:
			p.values[longOpt] = "true"
			p.explicitlySet[longOpt] = true
		case OptionTypeInt:
			if count > 1 {
				p.values[longOpt] = strconv.Itoa(count)
			} else if next := p.findNextAvailableArg(args, i, consumed); next != "" {
				p.values[longOpt] = next
			} else {
				p.values[longOpt] = "1"
			}
			p.explicitlySet[longOpt] = true
		case OptionTypeString:
			next := p.findNextAvailableArg(args, i, consumed)
			if next == "" {
				return fmt.Errorf("option -%s requires a value", short)
			}
			p.values[longOpt] = next
			p.explicitlySet[longOpt] = true
		}
	}
	return nil
}

func (p *ParsedOptions) findNextAvailableArg(args []string, startIdx int, consumed []bool) string {
	for i := startIdx + 1; i < len(args); i++ {
		if !consumed[i] && !strings.HasPrefix(args[i], "-") {
			consumed[i] = true
			return args[i]
		}
	}
	return ""
}

// GetString returns a string option value.
func (p *ParsedOptions) GetString(option string) string { return p.values[option] }

// GetInt returns an integer option value.
func (p *ParsedOptions) GetInt(option string) int {
	if v, ok := p.values[option]; ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return 0
}

// GetInt64 returns an integer option value as int64.
func (p *ParsedOptions) GetInt64(option string) int64 {
	if v, ok := p.values[option]; ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}

// GetBool returns a boolean option value.
func (p *ParsedOptions) GetBool(option string) bool { return p.values[option] == "true" }

// IsSet returns true if an option was explicitly set.
func (p *ParsedOptions) IsSet(option string) bool { return p.explicitlySet[option] }

// GetArgs returns non-option arguments.
func (p *ParsedOptions) GetArgs() []string { return p.args }

// ShowUsage displays usage information.
func (p *ParsedOptions) ShowUsage(programName string) {
	fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS] <source-dir> <command> [args...]\n\n", programName)
	fmt.Fprintf(os.Stderr, "Options:\n")
	for _, def := range p.defs {
		var shortOpt string
		if def.Short != "" {
			shortOpt = fmt.Sprintf("-%s, ", def.Short)
		}
		var valueDesc string
		switch def.Type {
		case OptionTypeString:
			valueDesc = "=VALUE"
		case OptionTypeInt:
			valueDesc = "=N"
		}
		fmt.Fprintf(os.Stderr, "  %s--%s%s\n", shortOpt, def.Long, valueDesc)
		fmt.Fprintf(os.Stderr, "        %s\n", def.Description)
	}
}
