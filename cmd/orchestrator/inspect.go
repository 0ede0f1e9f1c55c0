package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"print-farm-orchestrator/internal/gcode"
)

// inspectCmd 读取切片文件头部，显示调度会使用的打印高度
var inspectCmd = &cobra.Command{
	Use:   "inspect FILE [FILE...]",
	Short: "读取 .gcode / .3mf 文件中的打印元数据",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return inspectFiles(cmd.OutOrStdout(), args)
	},
}

func init() {
	rootCmd.AddCommand(inspectCmd)
}

func inspectFiles(w io.Writer, paths []string) error {
	type result struct {
		File         string         `json:"file"`
		Metadata     gcode.Metadata `json:"metadata"`
		Measurements map[string]any `json:"measurements"`
	}
	out := make([]result, 0, len(paths))
	for _, p := range paths {
		md, err := gcode.ParseFile(p)
		if err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
		out = append(out, result{File: p, Metadata: md, Measurements: md.Measurements()})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}
