package commands

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/bert2onnx/internal/export"
	"github.com/born-ml/bert2onnx/onnx"
)

var (
	okFmt   = color.New(color.FgGreen)
	failFmt = color.New(color.FgRed, color.Bold)
)

func newInspectCmd() *cobra.Command {
	var skipManifest bool

	c := &cobra.Command{
		Use:   "inspect FILE",
		Short: "Summarize and check an exported ONNX model",
		Long: `Print the producer, opset, inputs, outputs, operator counts and metadata
of an ONNX file and run a structural check. When a manifest.yaml sits next to
the file, the sizes and digests it records are verified as well.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspect(cmd.OutOrStdout(), args[0], !skipManifest)
		},
	}

	c.Flags().BoolVar(&skipManifest, "skip-manifest", false, "Do not verify manifest.yaml next to FILE")
	return c
}

func inspect(w io.Writer, path string, verifyManifest bool) error {
	m, err := onnx.ParseFile(path)
	if err != nil {
		return err
	}
	info := onnx.Describe(m)
	printInfo(w, path, info)

	checkErr := onnx.Check(m)
	report(w, "check", checkErr, "")
	if checkErr != nil {
		return fmt.Errorf("%s failed the structural check: %w", path, checkErr)
	}

	if !verifyManifest {
		return nil
	}
	dir := filepath.Dir(path)
	if _, err := os.Stat(filepath.Join(dir, export.ManifestFile)); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	manifest, err := export.VerifyManifest(dir)
	detail := ""
	if manifest != nil {
		detail = fmt.Sprintf("%d files", len(manifest.Files))
	}
	report(w, "manifest", err, detail)
	return err
}

func printInfo(w io.Writer, path string, info *onnx.ModelInfo) {
	summary := newTable(w)
	summary.Append([]string{"file", path})
	summary.Append([]string{"producer", strings.TrimSpace(info.ProducerName + " " + info.ProducerVersion)})
	summary.Append([]string{"ir version", strconv.FormatInt(info.IRVersion, 10)})
	summary.Append([]string{"opset", strconv.FormatInt(info.OpsetVersion, 10)})
	summary.Append([]string{"nodes", strconv.Itoa(info.NodeCount)})
	summary.Append([]string{"initializers", strconv.Itoa(info.WeightCount)})
	summary.Append([]string{"parameters", strconv.FormatInt(info.ParameterCount, 10)})
	summary.Render()
	fmt.Fprintln(w)

	values := newTable(w)
	values.SetHeader([]string{"KIND", "NAME", "TYPE", "SHAPE"})
	for _, v := range info.Inputs {
		values.Append([]string{"input", v.Name, v.ElemType, "[" + strings.Join(v.Dims, ", ") + "]"})
	}
	for _, v := range info.Outputs {
		values.Append([]string{"output", v.Name, v.ElemType, "[" + strings.Join(v.Dims, ", ") + "]"})
	}
	values.Render()
	fmt.Fprintln(w)

	ops := newTable(w)
	ops.SetHeader([]string{"OPERATOR", "COUNT"})
	for _, op := range info.Operators() {
		ops.Append([]string{op, strconv.Itoa(info.OpCounts[op])})
	}
	ops.Render()

	if len(info.Metadata) > 0 {
		fmt.Fprintln(w)
		keys := make([]string, 0, len(info.Metadata))
		for k := range info.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		meta := newTable(w)
		meta.SetHeader([]string{"METADATA", "VALUE"})
		for _, k := range keys {
			meta.Append([]string{k, info.Metadata[k]})
		}
		meta.Render()
	}
	fmt.Fprintln(w)
}

func report(w io.Writer, what string, err error, detail string) {
	if err != nil {
		fmt.Fprintf(w, "%s: %s\n", what, failFmt.Sprint("FAILED"))
		return
	}
	if detail != "" {
		detail = " (" + detail + ")"
	}
	fmt.Fprintf(w, "%s: %s%s\n", what, okFmt.Sprint("ok"), detail)
}

func newTable(w io.Writer) *tablewriter.Table {
	t := tablewriter.NewWriter(w)
	t.SetBorder(false)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetColumnSeparator("")
	t.SetCenterSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}
