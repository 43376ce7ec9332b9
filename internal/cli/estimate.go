package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/seantiz/qgate/internal/estimate"
)

func newEstimateCmd() *cobra.Command {
	var payload, payloadFile, providerName string

	cmd := &cobra.Command{
		Use:   "estimate",
		Short: "Price a payload offline using the configured pricing",
		Long:  "Price a payload with the configured cost table without contacting a server or running anything.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(strings.TrimSpace(payload))
			if payloadFile != "" {
				var err error
				if body, err = readPayloadFile(payloadFile); err != nil {
					return err
				}
			}
			if len(body) > 0 && !json.Valid(body) {
				return fmt.Errorf("payload is not valid JSON")
			}

			est := estimate.Compute(body, providerName, cfg.Pricing())
			out, err := json.MarshalIndent(est, "", "  ")
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), out)
		},
	}

	cmd.Flags().StringVar(&payload, "payload", "", "Payload as a JSON object")
	cmd.Flags().StringVarP(&payloadFile, "file", "f", "", "Read the payload from a JSON or YAML file")
	cmd.Flags().StringVar(&providerName, "provider", "", "Requested provider (default: payload field, then QGATE_DEFAULT_PROVIDER)")
	cmd.MarkFlagsMutuallyExclusive("payload", "file")
	return cmd
}

// readPayloadFile loads a payload document. YAML is accepted as a
// convenience and converted to JSON.
func readPayloadFile(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	var doc map[string]any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse payload %s: %w", path, err)
	}
	if doc == nil {
		doc = map[string]any{}
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode payload: %w", err)
	}
	return out, nil
}
