package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/maestrod/maestro/pkg/client"
	"github.com/maestrod/maestro/pkg/config"
	"github.com/maestrod/maestro/pkg/types"
)

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Apply a manifest file",
	Long: `Apply Maestro resources from a YAML manifest.

Supported kinds are Task (submitted once) and ScheduledTask (registered
with the scheduler). A file may hold several documents separated by ---.

Examples:
  # Submit a task
  maestro apply -f render-job.yaml

  # Register scheduled tasks
  maestro apply -f nightly.yaml`,
	RunE: runApply,
}

func init() {
	applyCmd.Flags().StringP("file", "f", "", "YAML manifest to apply (required)")
	_ = applyCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(applyCmd)
}

// manifest is one YAML document in an apply file
type manifest struct {
	APIVersion string                 `yaml:"apiVersion"`
	Kind       string                 `yaml:"kind"`
	Metadata   manifestMetadata       `yaml:"metadata"`
	Spec       map[string]interface{} `yaml:"spec"`
}

type manifestMetadata struct {
	Name   string            `yaml:"name"`
	Labels map[string]string `yaml:"labels,omitempty"`
}

func runApply(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")
	f, err := os.Open(filename)
	if err != nil {
		return types.WrapError(types.ErrKindConfig, err, "opening manifest")
	}
	defer f.Close()

	c := daemonClient(cmd)
	dec := yaml.NewDecoder(f)
	for {
		var m manifest
		if err := dec.Decode(&m); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return types.WrapError(types.ErrKindConfig, err, "parsing manifest")
		}

		switch m.Kind {
		case "Task":
			err = applyTask(c, &m)
		case "ScheduledTask":
			err = applyScheduledTask(c, &m)
		default:
			err = types.NewError(types.ErrKindConfig, "unsupported manifest kind: %q", m.Kind)
		}
		if err != nil {
			return err
		}
	}
}

// applyTask submits the spec as a one-shot task. The spec fields mirror
// the scheduler's template config.
func applyTask(c *client.Client, m *manifest) error {
	var tmpl config.TemplateConfig
	if err := mapstructure.Decode(m.Spec, &tmpl); err != nil {
		return types.WrapError(types.ErrKindConfig, err, "task %s spec", m.Metadata.Name)
	}
	if tmpl.Name == "" {
		tmpl.Name = m.Metadata.Name
	}

	desc, err := tmpl.Descriptor()
	if err != nil {
		return types.WrapError(types.ErrKindConfig, err, "task %s", m.Metadata.Name)
	}
	desc.Source = "cli"

	id, err := c.SubmitTask(desc)
	if err != nil {
		return err
	}
	fmt.Printf("✓ Task submitted: %s (ID: %s)\n", desc.Name, id)
	return nil
}

func applyScheduledTask(c *client.Client, m *manifest) error {
	var ec config.ScheduleEntryConfig
	if err := mapstructure.Decode(m.Spec, &ec); err != nil {
		return types.WrapError(types.ErrKindConfig, err, "scheduled task %s spec", m.Metadata.Name)
	}
	if ec.ID == "" {
		ec.ID = m.Metadata.Name
	}
	if _, set := m.Spec["enabled"]; !set {
		ec.Enabled = true
	}

	entry, err := ec.Entry()
	if err != nil {
		return err
	}

	// replace an existing entry of the same id
	if err := c.AddSchedule(entry); err != nil {
		if types.KindOf(err) != types.ErrKindInternal {
			return err
		}
		if rmErr := c.RemoveSchedule(entry.ID); rmErr != nil {
			return err
		}
		if err := c.AddSchedule(entry); err != nil {
			return err
		}
		fmt.Printf("✓ Schedule entry updated: %s\n", entry.ID)
		return nil
	}
	fmt.Printf("✓ Schedule entry added: %s\n", entry.ID)
	return nil
}
