package main

import (
	"encoding/json"
	"fmt"
	"path"

	"github.com/spf13/cobra"

	"github.com/io7lab/io7sync/pkg/audit"
	"github.com/io7lab/io7sync/pkg/dynsec"
	"github.com/io7lab/io7sync/pkg/identity"
)

// ErrInconsistent is returned by the audit command with --strict when drift is found
var ErrInconsistent = fmt.Errorf("identity store and authorization backend differ")

func newAuditCmd(opts *options) *cobra.Command {
	strict := false
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Compare the identity store with the dynamic-security configuration",
		Long: "Prints the devices and apps that exist in only one of the identity store and the " +
			"broker's dynamic-security configuration. Neither store is changed.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config := opts.config
			store, err := identity.OpenStore(path.Join(config.DataDir, identity.DatabaseName))
			if err != nil {
				return err
			}
			defer store.Close()
			snapshotter := dynsec.NewFileSnapshotter(config.DynSecPath)
			report, err := audit.NewAuditor(store, snapshotter).Audit(cmd.Context())
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err = enc.Encode(report); err != nil {
				return err
			}
			if strict && !report.Consistent() {
				return ErrInconsistent
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&strict, "strict", false, "Exit with an error when drift is found")
	return cmd
}
