// admit runs the admission gate offline: it replays a shadow session against
// a model-comparison report, writes the decision artifact, and exits 0 on
// GO or WARNING and 2 on NO-GO, mirroring the launcher's admission exit
// code.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mt5-crs/executor/internal/admission"
	"github.com/mt5-crs/executor/internal/config"
	"github.com/mt5-crs/executor/internal/shadow"
)

var (
	configPath = flag.String("config", "", "Executor config file (optional; defaults apply without it)")
	shadowDir  = flag.String("shadow-dir", "./shadow", "Directory holding shadow-YYYYMMDD.ndjson files")
	reportPath = flag.String("report", "", "Model comparison report JSON (required)")
	outPath    = flag.String("out", "", "Artifact path (default from config: admission.artifact_path)")
)

func main() {
	flag.Parse()
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if *reportPath == "" {
		fmt.Fprintln(os.Stderr, "admit: -report is required")
		flag.Usage()
		os.Exit(1)
	}

	admissionCfg := config.AdmissionConfig{}
	driftCfg := config.DriftSensorConfig{}
	if *configPath != "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
		}
		admissionCfg = cfg.Admission
		driftCfg = cfg.Risk.Drift
	}

	artifactPath := *outPath
	if artifactPath == "" {
		artifactPath = admissionCfg.ArtifactPath
	}
	if artifactPath == "" {
		artifactPath = "./admission_decision.json"
	}

	records, malformed, err := shadow.ReadDir(*shadowDir)
	if err != nil {
		log.Fatal().Err(err).Str("dir", *shadowDir).Msg("Failed to read shadow session")
	}
	if malformed > 0 {
		log.Warn().Int("malformed", malformed).Msg("Shadow session contains unparseable lines")
	}
	if len(records) == 0 {
		log.Fatal().Str("dir", *shadowDir).Msg("Shadow session is empty, nothing to admit")
	}

	report, err := admission.LoadComparisonReport(*reportPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load comparison report")
	}

	engine := admission.NewEngine(admissionCfg, driftCfg)
	decision, err := engine.Decide(records, report)
	if err != nil {
		log.Fatal().Err(err).Msg("Admission evaluation failed")
	}

	if err := admission.WriteArtifact(artifactPath, decision); err != nil {
		log.Fatal().Err(err).Str("path", artifactPath).Msg("Failed to write admission artifact")
	}

	log.Info().
		Str("decision", decision.Decision).
		Float64("confidence", decision.ApprovalConfidence).
		Str("hash", decision.DecisionHash).
		Str("artifact", artifactPath).
		Int("records", len(records)).
		Msg("Admission artifact written")

	fmt.Printf("%s %s (confidence %.2f) -> %s\n",
		decision.Decision, decision.DecisionHash, decision.ApprovalConfidence, artifactPath)
	for _, reason := range decision.RejectionReasons {
		fmt.Printf("  - %s\n", reason)
	}

	if decision.Decision == admission.DecisionNoGo {
		os.Exit(2)
	}
}
