package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/daverage/tracelens/internal/app"
	"github.com/daverage/tracelens/internal/homology"
	"github.com/daverage/tracelens/internal/residue"
	"github.com/daverage/tracelens/internal/store"
	"github.com/daverage/tracelens/internal/trace"
)

var rootCmd = &cobra.Command{
	Use:   "tracelens",
	Short: "tracelens - Structural analysis of recursive reasoning traces",
	Long:  `tracelens ingests stepwise reasoning traces and derives structural metrics, attribution graphs, residue clusters, and cross-corpus comparisons from them.`,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(metricsCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(residueCmd)
	rootCmd.AddCommand(clustersCmd)
	rootCmd.AddCommand(mergeCmd)
	rootCmd.AddCommand(compareCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(completionCmd)
}

var completionCmd = &cobra.Command{
	Use:   "completion [bash|zsh|fish|powershell]",
	Short: "Generate the autocompletion script for the specified shell",
	Long: `Generate the autocompletion script for tracelens for the specified shell.
See each command's help for details on how to use the generated script.
	`,
	DisableFlagsInUseLine: true,
	ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
	Args:                  cobra.ExactValidArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		var err error
		switch args[0] {
		case "bash":
			err = cmd.Root().GenBashCompletion(os.Stdout)
		case "zsh":
			err = cmd.Root().GenZshCompletion(os.Stdout)
		case "fish":
			err = cmd.Root().GenFishCompletion(os.Stdout, true)
		case "powershell":
			err = cmd.Root().GenPowerShellCompletionWithDesc(os.Stdout)
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error generating completion script: %v\n", err)
			os.Exit(1)
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
}

func runVersionCmd(a *app.App, cmd *cobra.Command, args []string) {
	fmt.Println("tracelens v0.1.0")
}

var ingestCmd = &cobra.Command{
	Use:   "ingest [files...]",
	Short: "Ingest trace files into the store",
	Long: `Ingest one or more JSON trace files. Each file holds a single trace:

  {"id": "optional", "steps": [{"representation": [...], "attended": {"0": 0.7}}], "metadata": {...}}

Traces failing validation are rejected whole; nothing is stored for them.`,
	Args: cobra.MinimumNArgs(1),
}

func runIngestCmd(a *app.App, cmd *cobra.Command, args []string) {
	failed := 0
	for _, path := range args {
		data, err := os.ReadFile(path)
		if err != nil {
			fmt.Printf("❌ %s: %v\n", path, err)
			failed++
			continue
		}
		var t trace.Trace
		if err := json.Unmarshal(data, &t); err != nil {
			fmt.Printf("❌ %s: %v\n", path, err)
			failed++
			continue
		}
		id, err := a.Traces.Ingest(&t)
		if err != nil {
			a.Core.Logger.Error("Ingestion failed", zap.String("file", path), zap.Error(err))
			fmt.Printf("❌ %s: %v\n", path, err)
			failed++
			continue
		}
		fmt.Printf("✅ %s: ingested as %s (%d steps)\n", path, id, len(t.Steps))
	}
	if failed > 0 {
		os.Exit(1)
	}
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored trace IDs",
}

var listSelector string
var listLimit int

func init() {
	listCmd.Flags().StringVar(&listSelector, "where", "", "Metadata selector, key=value")
	listCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of traces to list")
}

func runListCmd(a *app.App, cmd *cobra.Command, args []string) {
	filter, err := parseSelector(listSelector)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	filter.Limit = listLimit

	ids, err := a.Traces.List(filter)
	if err != nil {
		fmt.Printf("❌ Failed to list traces: %v\n", err)
		os.Exit(1)
	}
	for _, id := range ids {
		fmt.Println(id)
	}
}

var metricsCmd = &cobra.Command{
	Use:   "metrics [trace-id]",
	Short: "Compute structural metrics for a trace",
	Args:  cobra.ExactArgs(1),
}

func runMetricsCmd(a *app.App, cmd *cobra.Command, args []string) {
	t, err := a.Traces.Get(args[0])
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	res, err := a.Engine.Runner.Analyze(t)
	if err != nil {
		a.Core.Logger.Error("Metric computation failed", zap.String("trace_id", t.ID), zap.Error(err))
		fmt.Printf("❌ Metric computation failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(res)
}

var graphCmd = &cobra.Command{
	Use:   "graph [trace-id]",
	Short: "Build the attribution graph for a trace",
	Args:  cobra.ExactArgs(1),
}

func runGraphCmd(a *app.App, cmd *cobra.Command, args []string) {
	t, err := a.Traces.Get(args[0])
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	graph, err := a.Engine.Mapper.Map(t)
	if err != nil {
		a.Core.Logger.Error("Attribution mapping failed", zap.String("trace_id", t.ID), zap.Error(err))
		fmt.Printf("❌ Attribution mapping failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(graph)
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the full analysis pipeline over stored traces",
	Long: `Analyze stored traces: metric reports and attribution graphs run
concurrently, then residue detection sweeps the corpus and updates the
cluster table.`,
}

var analyzeSelector string

func init() {
	analyzeCmd.Flags().StringVar(&analyzeSelector, "where", "", "Metadata selector, key=value")
}

func runAnalyzeCmd(a *app.App, cmd *cobra.Command, args []string) {
	filter, err := parseSelector(analyzeSelector)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	corpus, err := a.Traces.GetAll(filter)
	if err != nil {
		fmt.Printf("❌ Failed to load traces: %v\n", err)
		os.Exit(1)
	}
	if len(corpus) == 0 {
		fmt.Println("No traces to analyze.")
		return
	}

	result, err := a.Engine.Runner.Run(a.Ctx, corpus)
	if err != nil {
		a.Core.Logger.Error("Corpus analysis failed", zap.Error(err))
		fmt.Printf("❌ Corpus analysis failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(result)
}

var residueCmd = &cobra.Command{
	Use:   "residue",
	Short: "Run residue detection over stored traces",
}

var residueSelector string

func init() {
	residueCmd.Flags().StringVar(&residueSelector, "where", "", "Metadata selector, key=value")
}

func runResidueCmd(a *app.App, cmd *cobra.Command, args []string) {
	filter, err := parseSelector(residueSelector)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	corpus, err := a.Traces.GetAll(filter)
	if err != nil {
		fmt.Printf("❌ Failed to load traces: %v\n", err)
		os.Exit(1)
	}

	clusters, err := a.Engine.Detector.Detect(a.Ctx, corpus)
	if err != nil {
		a.Core.Logger.Error("Residue detection failed", zap.Error(err))
		fmt.Printf("❌ Residue detection failed: %v\n", err)
		os.Exit(1)
	}
	printJSON(clusters)
}

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Show the residue cluster table",
}

func runClustersCmd(a *app.App, cmd *cobra.Command, args []string) {
	printJSON(a.Engine.Table.Clusters())
}

var mergeCmd = &cobra.Command{
	Use:   "merge [cluster-a] [cluster-b]",
	Short: "Merge two residue clusters",
	Long: `Merge cluster B into cluster A. The merge is refused unless the
clusters share a window span and their centroids are similar enough.`,
	Args: cobra.ExactArgs(2),
}

func runMergeCmd(a *app.App, cmd *cobra.Command, args []string) {
	idA, errA := strconv.ParseInt(args[0], 10, 64)
	idB, errB := strconv.ParseInt(args[1], 10, 64)
	if errA != nil || errB != nil {
		fmt.Println("❌ Cluster IDs must be integers.")
		os.Exit(1)
	}
	if err := a.Engine.Table.Merge(idA, idB, a.Core.Config.ThetaMerge); err != nil {
		fmt.Printf("❌ Merge failed: %v\n", err)
		os.Exit(1)
	}
	if err := a.Engine.Table.Checkpoint(); err != nil {
		fmt.Printf("❌ Failed to persist merge: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✅ Merged cluster %d into %d\n", idB, idA)
}

var compareCmd = &cobra.Command{
	Use:   "compare",
	Short: "Compare two trace corpora",
	Long: `Compare two corpora selected by metadata. Both corpora must meet
the minimum size; otherwise the comparison is refused rather than
producing misleading statistics.`,
}

var compareSelectorA string
var compareSelectorB string

func init() {
	compareCmd.Flags().StringVar(&compareSelectorA, "a", "", "Metadata selector for corpus A, key=value (required)")
	compareCmd.Flags().StringVar(&compareSelectorB, "b", "", "Metadata selector for corpus B, key=value (required)")
	_ = compareCmd.MarkFlagRequired("a")
	_ = compareCmd.MarkFlagRequired("b")
}

func runCompareCmd(a *app.App, cmd *cobra.Command, args []string) {
	corpusA, err := loadCorpus(a, compareSelectorA)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}
	corpusB, err := loadCorpus(a, compareSelectorB)
	if err != nil {
		fmt.Printf("❌ %v\n", err)
		os.Exit(1)
	}

	report, err := a.Engine.Comparator.Compare(corpusA, corpusB)
	if err != nil {
		var insufficient *homology.InsufficientDataError
		if errors.As(err, &insufficient) {
			fmt.Printf("❌ %v\n", insufficient)
		} else {
			a.Core.Logger.Error("Comparison failed", zap.Error(err))
			fmt.Printf("❌ Comparison failed: %v\n", err)
		}
		os.Exit(1)
	}
	printJSON(report)
}

// loadCorpus resolves a metadata selector into analyzed reports plus the
// clusters whose occurrences fall inside the selected traces.
func loadCorpus(a *app.App, selector string) (homology.Corpus, error) {
	filter, err := parseSelector(selector)
	if err != nil {
		return homology.Corpus{}, err
	}
	traces, err := a.Traces.GetAll(filter)
	if err != nil {
		return homology.Corpus{}, err
	}

	corpus := homology.Corpus{Label: selector}
	result, err := a.Engine.Runner.Run(a.Ctx, traces)
	if err != nil {
		return homology.Corpus{}, err
	}
	for _, r := range result.Results {
		corpus.Reports = append(corpus.Reports, r.Report)
	}

	member := make(map[string]bool, len(traces))
	for _, t := range traces {
		member[t.ID] = true
	}
	for _, c := range a.Engine.Table.Clusters() {
		if clusterTouches(c, member) {
			corpus.Clusters = append(corpus.Clusters, c)
		}
	}
	return corpus, nil
}

func clusterTouches(c *residue.Cluster, member map[string]bool) bool {
	for _, occ := range c.Occurrences {
		if member[occ.TraceID] {
			return true
		}
	}
	return false
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show store and cache statistics",
}

func runStatsCmd(a *app.App, cmd *cobra.Command, args []string) {
	traceCount, err := a.Traces.Count()
	if err != nil {
		fmt.Printf("❌ Error reading trace count: %v\n", err)
		return
	}
	fmt.Printf("Traces: %d\n", traceCount)
	fmt.Printf("Residue clusters: %d\n", len(a.Engine.Table.Clusters()))

	memHits, dbReports, err := a.Engine.Cache.Stats()
	if err != nil {
		fmt.Printf("❌ Error reading cache stats: %v\n", err)
		return
	}
	fmt.Printf("Metric cache: %d in memory, %d persisted\n", memHits, dbReports)
}

func parseSelector(selector string) (store.Filter, error) {
	if selector == "" {
		return store.Filter{}, nil
	}
	key, value, ok := strings.Cut(selector, "=")
	if !ok || key == "" {
		return store.Filter{}, fmt.Errorf("invalid selector %q, expected key=value", selector)
	}
	return store.Filter{MetadataKey: key, MetadataValue: value}, nil
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding output: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(string(data))
}

// newAppRunner creates a Cobra Run function closure with the app.App instance.
func newAppRunner(a *app.App, runFunc func(*app.App, *cobra.Command, []string)) func(*cobra.Command, []string) {
	return func(cmd *cobra.Command, args []string) {
		runFunc(a, cmd, args)
	}
}

func main() {
	appInstance, err := app.NewApp()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize application: %v\n", err)
		os.Exit(1)
	}
	defer appInstance.Close()

	versionCmd.Run = newAppRunner(appInstance, runVersionCmd)
	ingestCmd.Run = newAppRunner(appInstance, runIngestCmd)
	listCmd.Run = newAppRunner(appInstance, runListCmd)
	metricsCmd.Run = newAppRunner(appInstance, runMetricsCmd)
	graphCmd.Run = newAppRunner(appInstance, runGraphCmd)
	analyzeCmd.Run = newAppRunner(appInstance, runAnalyzeCmd)
	residueCmd.Run = newAppRunner(appInstance, runResidueCmd)
	clustersCmd.Run = newAppRunner(appInstance, runClustersCmd)
	mergeCmd.Run = newAppRunner(appInstance, runMergeCmd)
	compareCmd.Run = newAppRunner(appInstance, runCompareCmd)
	statsCmd.Run = newAppRunner(appInstance, runStatsCmd)

	if err := rootCmd.Execute(); err != nil {
		appInstance.Core.Logger.Error("Root command execution failed", zap.Error(err))
		os.Exit(1)
	}
}
