// File: cmd/definitions.go
package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/certidao-cli/api/schemas"
	"github.com/xkilldash9x/certidao-cli/internal/definition"
	"github.com/xkilldash9x/certidao-cli/internal/observability"
	"github.com/xkilldash9x/certidao-cli/internal/registry"
)

func newDefinitionsCmd() *cobra.Command {
	defsCmd := &cobra.Command{
		Use:     "definitions",
		Aliases: []string{"defs"},
		Short:   "Lists and validates certificate definitions",
	}
	defsCmd.AddCommand(newDefinitionsListCmd(), newDefinitionsValidateCmd())
	return defsCmd
}

func newDefinitionsListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Lists the built-in and configured definitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := configFrom(cmd)
			if err != nil {
				return err
			}
			reg, err := loadRegistry(cfg.Automation(), observability.GetLogger())
			if err != nil {
				return err
			}
			return printDefinitions(cmd.OutOrStdout(), reg.List())
		},
	}
}

func printDefinitions(out io.Writer, defs []*schemas.CertificateDefinition) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tVERSION\tPORTAL\tDATA\tSTEPS\tNAME")
	for _, d := range defs {
		groups := make([]string, 0, len(d.RequiredDataGroups))
		for _, g := range d.RequiredDataGroups {
			groups = append(groups, string(g))
		}
		fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t%d\t%s\n", d.ID, d.Version, d.SiteProfile, strings.Join(groups, ","), len(d.Steps), d.Name)
	}
	return tw.Flush()
}

func newDefinitionsValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <path>...",
		Short: "Validates definition files or directories without registering them",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			failed := 0
			for _, p := range args {
				defs, err := loadDefinitions(p)
				if err != nil {
					failed++
					fmt.Fprintf(out, "FAIL  %s: %v\n", p, err)
					continue
				}
				for _, d := range defs {
					if err := registry.Validate(d); err != nil {
						failed++
						fmt.Fprintf(out, "FAIL  %s (%s): %v\n", p, d.ID, err)
						continue
					}
					fmt.Fprintf(out, "ok    %s (%s, %d steps)\n", p, d.ID, len(d.Steps))
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d definition(s) failed validation", failed)
			}
			return nil
		},
	}
}

func loadDefinitions(path string) ([]*schemas.CertificateDefinition, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return definition.LoadDir(path)
	}
	def, err := definition.LoadFile(path)
	if err != nil {
		return nil, err
	}
	return []*schemas.CertificateDefinition{def}, nil
}
