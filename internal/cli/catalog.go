package cli

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/kaspa-aio/aioctl/internal/catalog"
)

// newCatalogCommand creates the "catalog" subcommand that lists profiles, templates and services.
func newCatalogCommand(_ *Options) *cobra.Command {
	var asJSON, showServices bool

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "List the profiles, templates and services of the built-in catalog",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cat, err := catalog.Default()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return writeJSON(out, map[string]any{
					"version":   cat.Version(),
					"profiles":  cat.Profiles(),
					"templates": cat.Templates(),
					"services":  cat.Services(),
					"conflicts": cat.ConflictPairs(),
				})
			}

			t := newTable(out, "Profile", "Name", "Services", "Conflicts", "Min RAM", "Min CPU", "Min disk")
			t.SetTitle("Catalog " + cat.Version())
			for _, p := range cat.Profiles() {
				m := p.Footprint.Min
				t.AppendRow([]any{
					boldStyle.Render(p.ID), p.Name,
					strings.Join(p.Effective, ", "),
					strings.Join(p.Conflicts, ", "),
					bytesText(m.RAM), catalog.FormatCPU(m.CPU), bytesText(m.Disk),
				})
			}
			t.Render()

			if len(cat.Templates()) > 0 {
				tt := newTable(out, "Template", "Name", "Profiles")
				for _, tpl := range cat.Templates() {
					tt.AppendRow([]any{boldStyle.Render(tpl.ID), tpl.Name, strings.Join(tpl.Profiles, ", ")})
				}
				tt.Render()
			}

			if showServices {
				st := newTable(out, "Service", "Tier", "Image", "Depends on", "Shared")
				for _, svc := range cat.Services() {
					st.AppendRow([]any{svc.ID, string(svc.Tier), svc.Image, strings.Join(svc.DependsOn, ", "), svc.Shared})
				}
				st.Render()
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the catalog as JSON")
	cmd.Flags().BoolVar(&showServices, "services", false, "Also list every service")

	return cmd
}
