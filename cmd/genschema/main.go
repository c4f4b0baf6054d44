package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joseph-ayodele/docparse/internal/app"
	"github.com/joseph-ayodele/docparse/internal/common"
	"github.com/joseph-ayodele/docparse/internal/entity"
	"github.com/joseph-ayodele/docparse/internal/llm"
	repo "github.com/joseph-ayodele/docparse/internal/repository"
	"github.com/joseph-ayodele/docparse/internal/server"
)

func main() {
	var (
		in    = flag.String("in", "", "markdown file to derive a schema from (required)")
		hints = flag.String("hints", "", "what the schema should capture")
		save  = flag.Bool("save", false, "store the generated schema in the database")
		org   = flag.String("org", "", "organization that owns the saved schema (required with -save)")
	)
	flag.Parse()

	cfg := common.LoadConfig()
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if *in == "" {
		logger.Error("usage", "cmd", "genschema -in <file.md> [-hints ...] [-save -org <id>]")
		os.Exit(2)
	}
	if *save && *org == "" {
		logger.Error("-org is required with -save")
		os.Exit(2)
	}
	if cfg.LLM.APIKey == "" {
		logger.Error("LLM API key is required", "env", "OPENAI_API_KEY")
		os.Exit(2)
	}

	markdown, err := os.ReadFile(*in)
	if err != nil {
		logger.Error("read markdown", "path", *in, "error", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	start := time.Now()
	gen, err := app.NewLLM(cfg.LLM, logger).GenerateSchema(ctx, llm.GenerateSchemaRequest{
		Markdown: string(markdown),
		Hints:    *hints,
	})
	if err != nil {
		logger.Error("generate schema", "error", err)
		os.Exit(1)
	}
	if _, err := llm.CompileSchema(gen.JSONSchema); err != nil {
		logger.Error("generated schema does not compile", "error", err)
		os.Exit(1)
	}
	logger.Info("schema generated", "name", gen.Name, "duration_ms", time.Since(start).Milliseconds())

	pretty, err := json.MarshalIndent(gen, "", "  ")
	if err != nil {
		logger.Error("encode schema", "error", err)
		os.Exit(1)
	}
	fmt.Println(string(pretty))

	if !*save {
		return
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		os.Exit(2)
	}
	db, err := server.ConnectDB(ctx, cfg.Database, logger)
	if err != nil {
		logger.Error("open db", "error", err)
		os.Exit(1)
	}
	defer server.CloseDB(db, logger)

	s := &entity.ExtractionSchema{
		OrganizationID: *org,
		Name:           gen.Name,
		Description:    gen.Description,
		JSONSchema:     gen.JSONSchema,
	}
	if err := repo.NewSchemaRepository(db, logger).Create(ctx, s); err != nil {
		logger.Error("save schema", "error", err)
		os.Exit(1)
	}
	logger.Info("schema saved", "schema_id", s.ID, "organization_id", *org)
}
