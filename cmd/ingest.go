package cmd

import (
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jalad-shrimali/cdr-correlator/ingest"
	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/model"
	"github.com/jalad-shrimali/cdr-correlator/normalize"
)

func uploads(paths []string) []ingest.Upload {
	out := make([]ingest.Upload, 0, len(paths))
	for _, p := range paths {
		out = append(out, ingest.Upload{Path: p, Name: filepath.Base(p)})
	}
	return out
}

// report prints whatever the job loaded before returning its error.
func report(cmd *cobra.Command, result any, loaded bool, err error) error {
	if loaded {
		if perr := printJSON(cmd.OutOrStdout(), result); perr != nil && err == nil {
			err = perr
		}
	}
	return err
}

func ingestCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Load call records, antenna registries or detections",
	}

	var (
		runRaw   string
		xp       ingest.XDRParams
		fallback string
	)
	xdrCmd := &cobra.Command{
		Use:   "xdr --run <id> <files...>",
		Short: "Load call-record files (.csv, .txt, .xlsx) into a run",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(runRaw)
			if err != nil {
				return err
			}
			switch normalize.Direction(strings.ToUpper(fallback)) {
			case normalize.DirIn:
				xp.Fallback = normalize.DirIn
			case normalize.DirOut:
				xp.Fallback = normalize.DirOut
			default:
				return errors.Newf("--fallback must be IN or OUT").
					Component("cmd").
					Category(errors.CategoryValidation).
					Build()
			}
			in, err := a.ingester(cmd.Context())
			if err != nil {
				return err
			}
			batch, err := in.XDRFiles(cmd.Context(), id, uploads(args), xp)
			return report(cmd, batch, batch != nil, err)
		},
	}
	xdrCmd.Flags().StringVar(&runRaw, "run", "", "Run id")
	xdrCmd.Flags().StringVar(&xp.Operator, "operator", "", "Operator for rows that carry none")
	xdrCmd.Flags().StringVar(&xp.Group, "group", "", "Group label, e.g. the target's case number")
	xdrCmd.Flags().StringVar(&fallback, "fallback", string(normalize.DirIn), "Direction for rows without one (IN or OUT)")
	_ = xdrCmd.MarkFlagRequired("run")

	var (
		operator string
		replace  bool
	)
	antennasCmd := &cobra.Command{
		Use:   "antennas <files...>",
		Short: "Load antenna registry files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := ingest.AntennaParams{Operator: operator, Mode: model.ModeUpsert, Actor: a.actor}
			if replace {
				p.Mode = model.ModeReplaceOperator
			}
			in, err := a.ingester(cmd.Context())
			if err != nil {
				return err
			}
			res, err := in.AntennaFiles(cmd.Context(), uploads(args), p)
			return report(cmd, res, len(res) > 0, err)
		},
	}
	antennasCmd.Flags().StringVar(&operator, "operator", "", "Operator for rows that carry none")
	antennasCmd.Flags().BoolVar(&replace, "replace-operator", false, "Deactivate the operator's existing rows before loading")

	detectionsCmd := &cobra.Command{
		Use:   "detections <files...>",
		Short: "Load detection exports (.csv, .db, .db3)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, err := a.ingester(cmd.Context())
			if err != nil {
				return err
			}
			res, err := in.DetectionFiles(cmd.Context(), uploads(args))
			return report(cmd, res, len(res) > 0, err)
		},
	}

	cmd.AddCommand(xdrCmd, antennasCmd, detectionsCmd)
	return cmd
}
