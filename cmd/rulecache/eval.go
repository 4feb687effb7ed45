package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ezachrisen/rulecache"
	"github.com/spf13/cobra"
	"google.golang.org/genproto/googleapis/rpc/context/attribute_context"
	"google.golang.org/protobuf/encoding/protojson"
	"gopkg.in/yaml.v3"
)

type evalOptions struct {
	rules   []string
	vars    []string
	context string
}

// NewEvalCommand creates the eval command.
func NewEvalCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &evalOptions{}

	cmd := &cobra.Command{
		Use:   "eval",
		Short: "Evaluate rules from the rule file",
		Long: `Evaluate one or more rules against variables given on the command line.

Variables are parsed according to their type in the file's schema:
  --var request.size=2048 --var request.tags='[beta, internal]'

With --context, rules are compiled against google.rpc.context.AttributeContext
and evaluated against the message in the given JSON file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEval(cmd, rootOpts, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.rules, "rule", nil, "rule to evaluate (repeatable; default all)")
	cmd.Flags().StringArrayVar(&opts.vars, "var", nil, "variable binding name=value (repeatable)")
	cmd.Flags().StringVar(&opts.context, "context", "", "AttributeContext JSON file")

	return cmd
}

func runEval(cmd *cobra.Command, rootOpts *RootOptions, opts *evalOptions) error {
	ctx := cmd.Context()
	e, err := loadEnv(ctx, rootOpts, opts.context != "", nil)
	if err != nil {
		return err
	}

	names := opts.rules
	if len(names) == 0 {
		names = e.reg.Names()
	}

	var eval func(name string) (rulecache.Value, error)
	if opts.context != "" {
		msg, err := readAttributeContext(opts.context)
		if err != nil {
			return err
		}
		eval = func(name string) (rulecache.Value, error) {
			return e.reg.EvaluateContext(ctx, name, msg)
		}
	} else {
		vars, err := parseVars(e.schema, opts.vars)
		if err != nil {
			return err
		}
		eval = func(name string) (rulecache.Value, error) {
			return e.reg.Evaluate(ctx, name, vars)
		}
	}

	out := cmd.OutOrStdout()
	var failed error
	for _, name := range names {
		v, err := eval(name)
		if err != nil {
			fmt.Fprintf(out, "%s: error: %v\n", name, err)
			failed = errors.Join(failed, err)
			continue
		}
		fmt.Fprintf(out, "%s: %v\n", name, v)
	}
	if failed != nil {
		return fmt.Errorf("evaluation failed: %w", failed)
	}
	return nil
}

func readAttributeContext(path string) (*attribute_context.AttributeContext, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading context: %w", err)
	}
	msg := &attribute_context.AttributeContext{}
	if err := protojson.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("parsing context %s: %w", path, err)
	}
	return msg, nil
}

// parseVars parses name=value bindings using the schema's types.
func parseVars(schema rulecache.Schema, bindings []string) (map[string]any, error) {
	types := map[string]rulecache.Type{}
	for _, e := range schema.Elements {
		types[e.Name] = e.Type
	}

	vars := map[string]any{}
	for _, b := range bindings {
		name, raw, ok := strings.Cut(b, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid binding %q: want name=value", b)
		}
		t, ok := types[name]
		if !ok {
			return nil, fmt.Errorf("variable %q is not in the schema", name)
		}
		v, err := parseValue(t, raw)
		if err != nil {
			return nil, fmt.Errorf("variable %q (%s): %w", name, t, err)
		}
		vars[name] = v
	}
	return vars, nil
}

func parseValue(t rulecache.Type, raw string) (any, error) {
	switch t.(type) {
	case rulecache.String:
		return raw, nil
	case rulecache.Int:
		return strconv.ParseInt(raw, 10, 64)
	case rulecache.Uint:
		return strconv.ParseUint(raw, 10, 64)
	case rulecache.Float:
		return strconv.ParseFloat(raw, 64)
	case rulecache.Bool:
		return strconv.ParseBool(raw)
	case rulecache.Bytes:
		return []byte(raw), nil
	case rulecache.Duration:
		return time.ParseDuration(raw)
	case rulecache.Timestamp:
		return time.Parse(time.RFC3339, raw)
	case rulecache.Proto:
		return nil, fmt.Errorf("proto variables cannot be set on the command line")
	default:
		// lists, maps and dynamic values use YAML flow syntax
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil {
			return nil, err
		}
		return v, nil
	}
}
