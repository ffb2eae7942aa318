// riskctl - operator CLI for the risk engine.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/mbd888/riskengine/internal/client"
	"github.com/mbd888/riskengine/internal/configstore"
	"github.com/mbd888/riskengine/internal/risk"
)

var version = "0.1.0"

// options are the global flags shared by every command.
type options struct {
	apiURL   string
	operator string
	asJSON   bool
	timeout  time.Duration
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use:   "riskctl",
		Short: "Operate the risk scoring engine",
		Long: `riskctl inspects risk profiles and scores and applies operator actions.

State-changing commands (action, whitelist, unwhitelist, config activate)
require an operator identity via --operator or RISKCTL_OPERATOR.`,
		SilenceUsage: true,
		Version:      version,
	}

	rootCmd.PersistentFlags().StringVar(&opts.apiURL, "api", envOr("RISKCTL_API_URL", "http://localhost:8080"), "engine base URL")
	rootCmd.PersistentFlags().StringVar(&opts.operator, "operator", os.Getenv("RISKCTL_OPERATOR"), "operator identity sent as X-Operator-ID")
	rootCmd.PersistentFlags().BoolVar(&opts.asJSON, "json", false, "print raw JSON")
	rootCmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(profileCmd(opts))
	rootCmd.AddCommand(scoreCmd(opts))
	rootCmd.AddCommand(historyCmd(opts))
	rootCmd.AddCommand(actionCmd(opts))
	rootCmd.AddCommand(whitelistCmd(opts))
	rootCmd.AddCommand(unwhitelistCmd(opts))
	rootCmd.AddCommand(configCmd(opts))

	return rootCmd
}

func (o *options) client() *client.Client {
	return client.New(client.Config{BaseURL: strings.TrimRight(o.apiURL, "/"), OperatorID: o.operator, Timeout: o.timeout})
}

func (o *options) requireOperator() error {
	if o.operator == "" {
		return fmt.Errorf("this command requires --operator (or RISKCTL_OPERATOR)")
	}
	return nil
}

func (o *options) print(w io.Writer, v any, text func(io.Writer)) error {
	if o.asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

// keyArgs parses the <userId> <category> positional pair.
func keyArgs(args []string) (string, risk.Category, error) {
	category, err := risk.ParseCategory(args[1])
	if err != nil {
		return "", "", err
	}
	return args[0], category, nil
}

// profileCmd shows a user's profile in one category
func profileCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "profile <userId> <category>",
		Short: "Show a risk profile",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, category, err := keyArgs(args)
			if err != nil {
				return err
			}
			p, err := opts.client().GetProfile(cmd.Context(), userID, category)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), p, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintf(tw, "User:\t%s\n", p.UserID)
				fmt.Fprintf(tw, "Category:\t%s\n", p.Category)
				fmt.Fprintf(tw, "Status:\t%s\n", p.CurrentStatus)
				fmt.Fprintf(tw, "Since:\t%s\n", p.StatusSince.UTC().Format(time.RFC3339))
				fmt.Fprintf(tw, "Score:\t%.1f\n", p.CurrentScore)
				fmt.Fprintf(tw, "Config:\t%s\n", p.ConfigVersion)
				if p.Whitelisted {
					fmt.Fprintf(tw, "Whitelist notes:\t%s\n", p.WhitelistNotes)
					if p.WhitelistExpiresAt != nil {
						fmt.Fprintf(tw, "Whitelist expires:\t%s\n", p.WhitelistExpiresAt.UTC().Format(time.RFC3339))
					}
				}
				_ = tw.Flush()
			})
		},
	}
}

// scoreCmd shows the latest score, or recomputes first with --recompute
func scoreCmd(opts *options) *cobra.Command {
	var recompute bool
	cmd := &cobra.Command{
		Use:   "score <userId> <category>",
		Short: "Show the latest category score",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			userID, category, err := keyArgs(args)
			if err != nil {
				return err
			}
			c := opts.client()

			var score *risk.CategoryScore
			if recompute {
				res, err := c.Recompute(cmd.Context(), userID, category)
				if err != nil {
					return err
				}
				score = res.Score
			} else {
				score, err = c.GetCategoryScore(cmd.Context(), userID, category)
				if err != nil {
					return err
				}
			}

			return opts.print(cmd.OutOrStdout(), score, func(w io.Writer) {
				fmt.Fprintf(w, "%s/%s: %.1f -> %s (%s, %s)\n", score.UserID, score.Category, score.Value,
					score.Recommended, score.ConfigVersion, score.Timestamp.UTC().Format(time.RFC3339))
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SUB-SCORE\tVALUE\tWEIGHT")
				for _, s := range score.SubScores {
					fmt.Fprintf(tw, "%s\t%.1f\t%.2f\n", s.Name, s.Value, s.Weight)
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().BoolVar(&recompute, "recompute", false, "recompute synchronously before printing")
	return cmd
}

// historyCmd lists transitions, newest first
func historyCmd(opts *options) *cobra.Command {
	var (
		category string
		page     int
		pageSize int
	)
	cmd := &cobra.Command{
		Use:   "history <userId>",
		Short: "List status transitions, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var cat risk.Category
			if category != "" {
				c, err := risk.ParseCategory(category)
				if err != nil {
					return err
				}
				cat = c
			}
			hist, err := opts.client().GetHistory(cmd.Context(), args[0], cat, page, pageSize)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), hist, func(w io.Writer) {
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "TIME\tCATEGORY\tFROM\tTO\tBY\tSCORE\tCOMMENT")
				for _, t := range hist.Transitions {
					score := "-"
					if t.TriggeringScore != nil {
						score = fmt.Sprintf("%.1f", *t.TriggeringScore)
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", t.Timestamp.UTC().Format(time.RFC3339),
						t.Category, t.PreviousStatus, t.NewStatus, t.ChangedBy, score, t.Comment)
				}
				_ = tw.Flush()
				fmt.Fprintf(w, "page %d, %d of %d\n", hist.Pagination.Page, len(hist.Transitions), hist.Pagination.Total)
			})
		},
	}
	cmd.Flags().StringVar(&category, "category", "", "restrict to one category")
	cmd.Flags().IntVar(&page, "page", 1, "page number")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "entries per page")
	return cmd
}

func printTransition(opts *options, w io.Writer, t *risk.StateTransition) error {
	return opts.print(w, t, func(w io.Writer) {
		fmt.Fprintf(w, "%s/%s: %s -> %s by %s\n", t.UserID, t.Category, t.PreviousStatus, t.NewStatus, t.ChangedBy)
	})
}

// actionCmd applies a manual state machine action
func actionCmd(opts *options) *cobra.Command {
	var comment string
	names := make([]string, len(risk.ManualActions))
	for i, a := range risk.ManualActions {
		names[i] = string(a)
	}
	cmd := &cobra.Command{
		Use:   "action <userId> <category> <action>",
		Short: "Apply a manual action (" + strings.Join(names, ", ") + ")",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireOperator(); err != nil {
				return err
			}
			userID, category, err := keyArgs(args)
			if err != nil {
				return err
			}
			action := risk.ManualAction(args[2])
			if !action.Valid() {
				return fmt.Errorf("unknown action %q (want one of %s)", args[2], strings.Join(names, ", "))
			}
			t, err := opts.client().ApplyAction(cmd.Context(), userID, category, action, comment)
			if err != nil {
				return err
			}
			return printTransition(opts, cmd.OutOrStdout(), t)
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "audit comment")
	return cmd
}

// whitelistCmd whitelists a profile
func whitelistCmd(opts *options) *cobra.Command {
	var (
		notes string
		ttl   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "whitelist <userId> <category>",
		Short: "Whitelist a profile, optionally for a limited time",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireOperator(); err != nil {
				return err
			}
			userID, category, err := keyArgs(args)
			if err != nil {
				return err
			}
			var expiresAt *time.Time
			if ttl > 0 {
				at := time.Now().Add(ttl).UTC()
				expiresAt = &at
			}
			t, err := opts.client().Whitelist(cmd.Context(), userID, category, notes, expiresAt)
			if err != nil {
				return err
			}
			return printTransition(opts, cmd.OutOrStdout(), t)
		},
	}
	cmd.Flags().StringVarP(&notes, "notes", "m", "", "whitelist notes")
	cmd.Flags().DurationVar(&ttl, "for", 0, "expire the whitelist after this long (e.g. 720h)")
	return cmd
}

// unwhitelistCmd removes a whitelist
func unwhitelistCmd(opts *options) *cobra.Command {
	var comment string
	cmd := &cobra.Command{
		Use:   "unwhitelist <userId> <category>",
		Short: "Remove a whitelist",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireOperator(); err != nil {
				return err
			}
			userID, category, err := keyArgs(args)
			if err != nil {
				return err
			}
			t, err := opts.client().Unwhitelist(cmd.Context(), userID, category, comment)
			if err != nil {
				return err
			}
			return printTransition(opts, cmd.OutOrStdout(), t)
		},
	}
	cmd.Flags().StringVarP(&comment, "comment", "m", "", "audit comment")
	return cmd
}

// configCmd groups config show/activate
func configCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and activate scoring configuration",
	}
	cmd.AddCommand(configShowCmd(opts))
	cmd.AddCommand(configActivateCmd(opts))
	return cmd
}

func configShowCmd(opts *options) *cobra.Command {
	var scale int
	cmd := &cobra.Command{
		Use:   "show <category>",
		Short: "Show the active config",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			category, err := risk.ParseCategory(args[0])
			if err != nil {
				return err
			}
			cfg, err := opts.client().GetConfig(cmd.Context(), category, scale)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), cfg, func(w io.Writer) {
				fmt.Fprintf(w, "%s (by %s at %s)\n", cfg.VersionID, cfg.CreatedBy, cfg.CreatedAt.UTC().Format(time.RFC3339))
				fmt.Fprintf(w, "thresholds: review %g, flag %g, autoBlock %g\n",
					cfg.Thresholds.Review, cfg.Thresholds.Flag, cfg.Thresholds.AutoBlock)
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "SUB-SCORE\tWEIGHT\tPARAMETERS")
				for _, name := range sortedKeys(cfg.SubScores) {
					spec := cfg.SubScores[name]
					fmt.Fprintf(tw, "%s\t%.2f\t%s\n", name, spec.Weight, strings.Join(sortedKeys(spec.Parameters), ", "))
				}
				_ = tw.Flush()
			})
		},
	}
	cmd.Flags().IntVar(&scale, "scale", 0, "display thresholds on a 10-point scale (10)")
	return cmd
}

func configActivateCmd(opts *options) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "activate <category> -f config.yaml",
		Short: "Activate a new config version from a YAML file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := opts.requireOperator(); err != nil {
				return err
			}
			category, err := risk.ParseCategory(args[0])
			if err != nil {
				return err
			}
			req, err := readActivateRequest(file)
			if err != nil {
				return err
			}
			cfg, err := opts.client().ActivateConfig(cmd.Context(), category, req)
			if err != nil {
				return err
			}
			return opts.print(cmd.OutOrStdout(), cfg, func(w io.Writer) {
				fmt.Fprintf(w, "activated %s\n", cfg.VersionID)
			})
		},
	}
	cmd.Flags().StringVarP(&file, "file", "f", "", "config file in the seed format (subScores, thresholds, scale, comment)")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

// readActivateRequest decodes a config file written in the same shape as
// one category of the seed file.
func readActivateRequest(path string) (configstore.ActivateRequest, error) {
	var req configstore.ActivateRequest
	data, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return req, fmt.Errorf("read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &req); err != nil {
		return req, fmt.Errorf("parse %s: %w", path, err)
	}
	return req, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
