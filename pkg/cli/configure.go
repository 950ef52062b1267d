package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/poltergeist/cmakectl/pkg/types"
)

func (c *CLI) newConfigureCmd() *cobra.Command {
	var (
		definitions []string
		generate    bool
	)

	cmd := &cobra.Command{
		Use:   "configure",
		Short: "Configure the build tree",
		Long: `Apply -D definitions to the cache, then run a configure pass. With
--generate a successful configure is followed by a generate pass.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := c.openSession(sessionOptions{requireBuild: true})
			if err != nil {
				return err
			}
			defer sess.close()

			if err := sess.validate(c); err != nil {
				return err
			}

			if len(definitions) > 0 {
				props := sess.ctl.Properties()
				for _, def := range definitions {
					entry, err := parseDefinition(def, props)
					if err != nil {
						return err
					}
					props.Put(entry)
				}
				if err := sess.ctl.SetProperties(props); err != nil {
					return err
				}
			}

			code, err := sess.run(cmd.Context(), sess.ctl.Configure)
			if err != nil || code != 0 || !generate {
				if err != nil {
					return err
				}
				return exitError(code)
			}

			code, err = sess.run(cmd.Context(), sess.ctl.Generate)
			if err != nil {
				return err
			}
			return exitError(code)
		},
	}

	cmd.Flags().StringArrayVarP(&definitions, "define", "D", nil, "set a cache entry, KEY[:TYPE]=VALUE")
	cmd.Flags().BoolVar(&generate, "generate", false, "generate after a successful configure")
	return cmd
}

func (c *CLI) newGenerateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "generate",
		Short: "Generate the native build system",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := c.openSession(sessionOptions{requireBuild: true})
			if err != nil {
				return err
			}
			defer sess.close()

			code, err := sess.run(cmd.Context(), sess.ctl.Generate)
			if err != nil {
				return err
			}
			return exitError(code)
		},
	}
}

// parseDefinition parses KEY[:TYPE]=VALUE. Without a type an existing
// entry keeps its type and metadata; a new entry is a STRING.
func parseDefinition(def string, current types.PropertySet) (types.CacheEntry, error) {
	lhs, value, ok := strings.Cut(def, "=")
	if !ok {
		return types.CacheEntry{}, fmt.Errorf("invalid definition %q: expected KEY[:TYPE]=VALUE", def)
	}

	key, typeName, typed := strings.Cut(lhs, ":")
	key = strings.TrimSpace(key)
	if key == "" {
		return types.CacheEntry{}, fmt.Errorf("invalid definition %q: empty key", def)
	}
	if err := types.ValidateKey(key); err != nil {
		return types.CacheEntry{}, fmt.Errorf("invalid definition %q: %w", def, err)
	}

	existing, exists := current.Get(key)

	t := types.EntryTypeString
	switch {
	case typed:
		parsed, err := types.ParseEntryType(typeName)
		if err != nil {
			return types.CacheEntry{}, fmt.Errorf("invalid definition %q: %w", def, err)
		}
		if parsed.IsReserved() {
			return types.CacheEntry{}, fmt.Errorf("invalid definition %q: %s entries are managed by cmake", def, parsed)
		}
		t = parsed
	case exists:
		t = existing.Type
	}

	entry := types.NewEntry(key, value, t)
	if exists {
		entry.HelpText = existing.HelpText
		entry.Advanced = existing.Advanced
		if entry.Type == types.EntryTypeString {
			entry.AllowedValues = existing.AllowedValues
		}
	}
	return entry, nil
}
