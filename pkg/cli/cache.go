package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/poltergeist/cmakectl/pkg/logger"
	"github.com/poltergeist/cmakectl/pkg/types"
	"github.com/poltergeist/cmakectl/pkg/utils"
)

// cacheDocument is the YAML form used by cache export and cache apply
type cacheDocument struct {
	Entries []cacheDocumentEntry `yaml:"entries"`
}

type cacheDocumentEntry struct {
	Key           string   `yaml:"key"`
	Type          string   `yaml:"type"`
	Value         string   `yaml:"value"`
	Help          string   `yaml:"help,omitempty"`
	Advanced      bool     `yaml:"advanced,omitempty"`
	AllowedValues []string `yaml:"allowed_values,omitempty"`
}

func newCacheDocument(props types.PropertySet) cacheDocument {
	doc := cacheDocument{Entries: make([]cacheDocumentEntry, 0, len(props))}
	for _, e := range props.Entries() {
		doc.Entries = append(doc.Entries, cacheDocumentEntry{
			Key:           e.Key,
			Type:          string(e.Type),
			Value:         e.Value.String(),
			Help:          e.HelpText,
			Advanced:      e.Advanced,
			AllowedValues: e.AllowedValues,
		})
	}
	return doc
}

// PropertySet converts the document, rejecting reserved or unknown types
func (d cacheDocument) PropertySet() (types.PropertySet, error) {
	props := types.NewPropertySet()
	for i, de := range d.Entries {
		if de.Key == "" {
			return nil, fmt.Errorf("entry %d: missing key", i+1)
		}
		if err := types.ValidateKey(de.Key); err != nil {
			return nil, fmt.Errorf("entry %d: %w", i+1, err)
		}
		t := types.EntryTypeString
		if de.Type != "" {
			parsed, err := types.ParseEntryType(de.Type)
			if err != nil {
				return nil, fmt.Errorf("entry %s: %w", de.Key, err)
			}
			if parsed.IsReserved() {
				return nil, fmt.Errorf("entry %s: %s entries are managed by cmake", de.Key, parsed)
			}
			t = parsed
		}
		if _, dup := props.Get(de.Key); dup {
			return nil, fmt.Errorf("entry %s: duplicate key", de.Key)
		}

		entry := types.NewEntry(de.Key, de.Value, t)
		entry.HelpText = de.Help
		entry.Advanced = de.Advanced
		if entry.Type == types.EntryTypeString {
			entry.AllowedValues = de.AllowedValues
		}
		props.Put(entry)
	}
	return props, nil
}

func (c *CLI) newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and edit the build tree's cache",
	}

	cmd.AddCommand(
		c.newCacheListCmd(),
		c.newCacheSetCmd(),
		c.newCacheUnsetCmd(),
		c.newCacheExportCmd(),
		c.newCacheApplyCmd(),
		&cobra.Command{
			Use:   "reload",
			Short: "Reread the cache from disk",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withSession(func(sess *session) error {
					if err := sess.ctl.ReloadCache(); err != nil {
						return err
					}
					c.printf("Loaded %d entries\n", len(sess.ctl.Properties()))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "delete",
			Short: "Delete the cache file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return c.withSession(func(sess *session) error {
					if err := sess.ctl.DeleteCache(); err != nil {
						return err
					}
					c.printf("Cache deleted\n")
					return nil
				})
			},
		},
	)

	return cmd
}

func (c *CLI) withSession(fn func(sess *session) error) error {
	sess, err := c.openSession(sessionOptions{requireBuild: true})
	if err != nil {
		return err
	}
	defer sess.close()
	return fn(sess)
}

func (c *CLI) newCacheListCmd() *cobra.Command {
	var (
		advanced bool
		asJSON   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cache entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(func(sess *session) error {
				props := sess.ctl.Properties()
				var entries []types.CacheEntry
				for _, e := range props.Entries() {
					if e.Advanced && !advanced {
						continue
					}
					entries = append(entries, e)
				}

				if asJSON {
					if entries == nil {
						entries = []types.CacheEntry{}
					}
					enc := json.NewEncoder(c.config.Out)
					enc.SetIndent("", "  ")
					return enc.Encode(entries)
				}

				w := tabwriter.NewWriter(c.config.Out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "KEY\tTYPE\tVALUE")
				for _, e := range entries {
					fmt.Fprintf(w, "%s\t%s\t%s\n", e.Key, e.Type, e.Value.String())
				}
				return w.Flush()
			})
		},
	}

	cmd.Flags().BoolVar(&advanced, "advanced", false, "include advanced entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func (c *CLI) newCacheSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY[:TYPE]=VALUE...",
		Short: "Set cache entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(func(sess *session) error {
				props := sess.ctl.Properties()
				for _, def := range args {
					entry, err := parseDefinition(def, props)
					if err != nil {
						return err
					}
					props.Put(entry)
				}
				return sess.ctl.SetProperties(props)
			})
		},
	}
}

func (c *CLI) newCacheUnsetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unset KEY...",
		Short: "Remove cache entries",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(func(sess *session) error {
				props := sess.ctl.Properties()
				for _, key := range args {
					if _, ok := props.Get(key); !ok {
						c.logger.Warn("No such cache entry", logger.WithField("key", key))
						continue
					}
					props.Delete(key)
				}
				return sess.ctl.SetProperties(props)
			})
		},
	}
}

func (c *CLI) newCacheExportCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write cache entries as YAML",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.withSession(func(sess *session) error {
				data, err := yaml.Marshal(newCacheDocument(sess.ctl.Properties()))
				if err != nil {
					return fmt.Errorf("failed to encode cache: %w", err)
				}
				if output == "" || output == "-" {
					_, err = c.config.Out.Write(data)
					return err
				}
				return utils.WriteFileAtomic(output, data, 0o644)
			})
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default: stdout)")
	return cmd
}

func (c *CLI) newCacheApplyCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Make the cache match a YAML document",
		Long: `Make the cache hold exactly the entries of the document. Entries missing
from the document are removed; engine-internal entries are untouched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readCacheDocument(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			props, err := doc.PropertySet()
			if err != nil {
				return err
			}
			return c.withSession(func(sess *session) error {
				if err := sess.ctl.SetProperties(props); err != nil {
					return err
				}
				c.printf("Applied %d entries\n", len(props))
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "YAML document, - for stdin")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readCacheDocument(file string, stdin io.Reader) (cacheDocument, error) {
	var (
		data []byte
		err  error
	)
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return cacheDocument{}, fmt.Errorf("failed to read %s: %w", file, err)
	}

	var doc cacheDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return cacheDocument{}, fmt.Errorf("failed to parse %s: %w", file, err)
	}
	return doc, nil
}
