package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jalad-shrimali/cdr-correlator/internal/errors"
	"github.com/jalad-shrimali/cdr-correlator/model"
)

func parseRunID(raw string) (uint, error) {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		return 0, errors.Newf("invalid run id %q", raw).
			Component("cmd").
			Category(errors.CategoryValidation).
			Build()
	}
	return uint(id), nil
}

func runsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Manage analysis runs",
	}

	create := &cobra.Command{
		Use:   "create [name...]",
		Short: "Open a new run",
		Args:  cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			run, err := s.CreateRun(cmd.Context(), strings.Join(args, " "), a.actor)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), run)
		},
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List runs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			runs, err := s.Runs(cmd.Context())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range runs {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04"), r.CreatedBy, r.Name)
			}
			return nil
		},
	}

	rename := &cobra.Command{
		Use:   "rename <id> <name>",
		Short: "Rename a run",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			return s.RenameRun(cmd.Context(), id, strings.Join(args[1:], " "))
		},
	}

	clearCmd := &cobra.Command{
		Use:   "clear <id>",
		Short: "Delete a run's call records and hits",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseRunID(args[0])
			if err != nil {
				return err
			}
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			calls, hits, err := s.ClearRun(cmd.Context(), id)
			if err != nil {
				return err
			}
			a.log.Info("run cleared", "run", id, "calls", calls, "hits", hits)
			return nil
		},
	}

	cmd.AddCommand(create, list, rename, clearCmd)
	return cmd
}

func objectivesCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "objectives",
		Short: "Manage the watchlist",
	}

	var o model.Objective
	add := &cobra.Command{
		Use:   "add",
		Short: "Add a watchlist entry",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := s.AddObjective(cmd.Context(), &o); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), o)
		},
	}
	add.Flags().StringVar(&o.Label, "label", "", "Display label")
	add.Flags().StringVar(&o.Phone, "phone", "", "Phone number")
	add.Flags().StringVar(&o.IMSI, "imsi", "", "IMSI")
	add.Flags().StringVar(&o.IMEI, "imei", "", "IMEI")

	list := &cobra.Command{
		Use:   "list",
		Short: "List watchlist entries",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			entries, err := s.Objectives(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), entries)
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}
