// Package main provides the handoff CLI, a stdin/stdout tool for workers
// and scripts that produce or inspect completion packets.
//
// Usage:
//
//	# Validate a packet against the schema and packet invariants
//	cat packet.json | handoff validate
//
//	# Build a packet from flags
//	handoff new --task t1 --worker designer --status SUCCESS --hint needs_review --artifact design.md
//
//	# Fingerprint a JSON document for a cache domain
//	echo '{"prompt":"hi"}' | handoff fingerprint --domain generation
//
//	# Parse an approval decision
//	handoff decision "CHANGES: split the migration"
//
// All commands write one JSON document to stdout. Failures are reported as
// {"error": true, "code": ..., "message": ...} with a non-zero exit status.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeeves-cluster-organization/handoffcore/coreengine/cache"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/handoff"
	"github.com/jeeves-cluster-organization/handoffcore/coreengine/kernel"
)

// Version information
const (
	Version   = "0.1.0"
	BuildTime = "dev"
)

// cliError is written to stdout before the process exits non-zero.
type cliError struct {
	Code    string
	Message string
}

func (e *cliError) Error() string { return e.Code + ": " + e.Message }

func fail(code, format string, args ...any) error {
	return &cliError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func main() {
	cmd := rootCmd()
	if err := cmd.Execute(); err != nil {
		writeError(cmd.OutOrStdout(), err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "handoff",
		Short:         "Build, validate and fingerprint completion packets",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(versionCmd(), validateCmd(), newCmd(), fingerprintCmd(), decisionCmd())
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"version":    Version,
				"build_time": BuildTime,
			})
		},
	}
}

func validateCmd() *cobra.Command {
	var after string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a packet read from stdin",
		Long: "Validate checks the packet document against the packet schema and invariants.\n" +
			"An invalid packet is reported with valid=false; the exit status stays zero.",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := readInput(cmd.InOrStdin())
			if err != nil {
				return err
			}
			var latest time.Time
			if after != "" {
				latest, err = time.Parse(time.RFC3339Nano, after)
				if err != nil {
					return fail("invalid_flag", "--after: %v", err)
				}
			}

			p, err := handoff.Decode(raw)
			if err == nil && !latest.IsZero() {
				err = handoff.Validate(p, latest)
			}

			result := map[string]any{"valid": err == nil}
			if err != nil {
				result["errors"] = []string{err.Error()}
				var verr *handoff.ValidationError
				if errors.As(err, &verr) {
					result["field"] = verr.Field
				}
			} else {
				result["packet_id"] = p.PacketID
				result["task_id"] = p.TaskID
				result["status"] = p.Status
			}
			return writeJSON(cmd.OutOrStdout(), result)
		},
	}
	cmd.Flags().StringVar(&after, "after", "", "created_at (RFC3339) of the latest accepted packet for the task")
	return cmd
}

type newOptions struct {
	taskID     string
	workerID   string
	workflowID string
	status     string
	hint       string
	notes      string
	artifacts  []string
	deps       []string
	blocking   []string
	metadata   map[string]string
}

func newCmd() *cobra.Command {
	opts := &newOptions{}
	cmd := &cobra.Command{
		Use:   "new",
		Short: "Build a packet from flags and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			status := handoff.Status(strings.ToUpper(opts.status))
			packetOpts := []handoff.PacketOption{
				handoff.WithWorkflow(opts.workflowID),
				handoff.WithNotes(opts.notes),
				handoff.WithArtifacts(opts.artifacts...),
				handoff.WithDependencies(opts.deps...),
				handoff.WithBlockingIssues(opts.blocking...),
			}
			for k, v := range opts.metadata {
				packetOpts = append(packetOpts, handoff.WithMetadata(k, v))
			}
			p := handoff.NewPacket(opts.taskID, opts.workerID, status, handoff.NextStepHint(opts.hint), packetOpts...)
			if err := handoff.Validate(p, time.Time{}); err != nil {
				return fail("invalid_packet", "%v", err)
			}

			out, err := handoff.Encode(p)
			if err != nil {
				return fail("encode_error", "%v", err)
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(out))
			return err
		},
	}

	f := cmd.Flags()
	f.StringVar(&opts.taskID, "task", "", "Task id")
	f.StringVar(&opts.workerID, "worker", "", "Worker id")
	f.StringVar(&opts.workflowID, "workflow", "", "Owning workflow id")
	f.StringVar(&opts.status, "status", string(handoff.StatusSuccess), "SUCCESS, FAILURE, PENDING or BLOCKED")
	f.StringVar(&opts.hint, "hint", "", "Next step hint")
	f.StringVar(&opts.notes, "notes", "", "Free-text rationale")
	f.StringArrayVar(&opts.artifacts, "artifact", nil, "Artifact reference (repeatable, order kept)")
	f.StringArrayVar(&opts.deps, "dep", nil, "Satisfied dependency id (repeatable)")
	f.StringArrayVar(&opts.blocking, "blocking", nil, "Blocking issue id (repeatable)")
	f.StringToStringVar(&opts.metadata, "meta", nil, "Metadata key=value pairs")
	_ = cmd.MarkFlagRequired("task")
	_ = cmd.MarkFlagRequired("worker")
	return cmd
}

func fingerprintCmd() *cobra.Command {
	var domain string
	cmd := &cobra.Command{
		Use:   "fingerprint",
		Short: "Fingerprint a JSON document read from stdin",
		RunE: func(cmd *cobra.Command, args []string) error {
			d := cache.Domain(domain)
			if !d.IsValid() {
				return fail("invalid_flag", "unknown domain %q (want one of %v)", domain, cache.AllDomains)
			}
			raw, err := readInput(cmd.InOrStdin())
			if err != nil {
				return err
			}
			if !json.Valid(raw) {
				return fail("parse_error", "input is not valid JSON")
			}
			fp, err := cache.Fingerprint(d, json.RawMessage(raw))
			if err != nil {
				return fail("fingerprint_error", "%v", err)
			}
			return writeJSON(cmd.OutOrStdout(), map[string]string{
				"domain":      string(d),
				"fingerprint": fp,
			})
		},
	}
	cmd.Flags().StringVar(&domain, "domain", string(cache.DomainGeneration), "Cache domain")
	return cmd
}

func decisionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "decision <verdict>",
		Short: `Parse "APPROVE", "CHANGES:<feedback>" or "REJECT:<reason>"`,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dec, err := kernel.ParseDecision(args[0])
			if err != nil {
				return fail("invalid_decision", "%v", err)
			}
			return writeJSON(cmd.OutOrStdout(), dec)
		},
	}
}

// readInput reads all of r, rejecting empty input.
func readInput(r io.Reader) ([]byte, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, fail("read_error", "%v", err)
	}
	if len(strings.TrimSpace(string(raw))) == 0 {
		return nil, fail("read_error", "no input on stdin")
	}
	return raw, nil
}

// writeJSON writes v as one line of JSON.
func writeJSON(w io.Writer, v any) error {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// writeError reports err as a JSON error document.
func writeError(w io.Writer, err error) {
	code := "error"
	message := err.Error()
	var cerr *cliError
	if errors.As(err, &cerr) {
		code, message = cerr.Code, cerr.Message
	}
	_ = writeJSON(w, map[string]any{
		"error":   true,
		"code":    code,
		"message": message,
	})
}
