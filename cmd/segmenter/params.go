package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/flybeeper/segment-pipeline/internal/config"
	"github.com/flybeeper/segment-pipeline/internal/segmenter"
)

var validateParamsCmd = &cobra.Command{
	Use:   "validate-params [file]",
	Short: "Check segmenter parameters and print them with defaults applied",
	Long: `Reads parameters from the file argument, or from SEGMENTER_PARAMS /
SEGMENTER_PARAMS_FILE when no file is given. Unknown keys are rejected.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidateParams,
}

func init() {
	rootCmd.AddCommand(validateParamsCmd)
}

func runValidateParams(cmd *cobra.Command, args []string) error {
	var (
		params segmenter.Params
		err    error
	)
	if len(args) == 1 {
		params, err = config.LoadParamsFile(args[0])
	} else {
		var cfg *config.Config
		if cfg, err = config.Load(); err == nil {
			params, err = cfg.SegmenterParams()
		}
	}
	if err != nil {
		return err
	}

	seg, err := segmenter.New(params)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(seg.Params(), "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(out))
	return nil
}
