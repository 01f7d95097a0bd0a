package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/portmesh/accesskit"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "convert":
		handleConvert()
	case "validate":
		handleValidate()
	case "stats":
		handleStats()
	case "check":
		handleCheck()
	default:
		fmt.Printf("Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("accesskit-config - Configuration tool for accesskit")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  accesskit-config convert <input> <output>                      - Convert between formats")
	fmt.Println("  accesskit-config validate <file>                               - Validate configuration")
	fmt.Println("  accesskit-config stats <file>                                  - Show configuration statistics")
	fmt.Println("  accesskit-config check <file> <principal> <type> <ref> <action> - Evaluate one check against a config")
	fmt.Println()
	fmt.Println("Supported formats: .yaml, .yml, .json, .bin")
}

func handleConvert() {
	if len(os.Args) < 4 {
		fmt.Println("Usage: accesskit-config convert <input> <output>")
		os.Exit(1)
	}

	inputFile := os.Args[2]
	outputFile := os.Args[3]

	cfg, err := loadConfig(inputFile)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := saveConfig(cfg, outputFile); err != nil {
		fmt.Printf("Error saving config: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Converted %s -> %s\n", inputFile, outputFile)

	inStat, _ := os.Stat(inputFile)
	outStat, _ := os.Stat(outputFile)
	if inStat != nil && outStat != nil {
		reduction := (1 - float64(outStat.Size())/float64(inStat.Size())) * 100
		if reduction > 0 {
			fmt.Printf("Size reduced by %.1f%% (%d -> %d bytes)\n",
				reduction, inStat.Size(), outStat.Size())
		} else {
			fmt.Printf("Size increased by %.1f%% (%d -> %d bytes)\n",
				-reduction, inStat.Size(), outStat.Size())
		}
	}
}

func handleValidate() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: accesskit-config validate <file>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	// a full seed exercises the hierarchy and ceiling rules too
	if err := accesskit.ApplyConfig(cfg, accesskit.NewMemoryDirectory()); err != nil {
		fmt.Printf("Invalid configuration: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Configuration is valid\n")
	fmt.Printf("  Version: %d\n", cfg.Version)
	fmt.Printf("  Tenants: %d\n", len(cfg.Tenants))
	fmt.Printf("  Roles: %d\n", len(cfg.Roles))
	fmt.Printf("  Groups: %d\n", len(cfg.Groups))
	fmt.Printf("  Permissions: %d\n", len(cfg.Permissions))
	fmt.Printf("  Grants: %d\n", len(cfg.Grants))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
}

func handleStats() {
	if len(os.Args) < 3 {
		fmt.Println("Usage: accesskit-config stats <file>")
		os.Exit(1)
	}

	filename := os.Args[2]
	cfg, err := loadConfig(filename)
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	stat, _ := os.Stat(filename)

	fmt.Println("Configuration Statistics")
	fmt.Println("========================")
	if stat != nil {
		fmt.Printf("File size: %d bytes\n", stat.Size())
	}
	fmt.Printf("Version: %d\n", cfg.Version)
	fmt.Println()

	fmt.Println("Components:")
	fmt.Printf("  Tenants:     %d\n", len(cfg.Tenants))
	fmt.Printf("  Roles:       %d\n", len(cfg.Roles))
	fmt.Printf("  Groups:      %d\n", len(cfg.Groups))
	fmt.Printf("  Permissions: %d\n", len(cfg.Permissions))
	fmt.Printf("  Grants:      %d\n", len(cfg.Grants))
	fmt.Printf("  Assignments: %d\n", len(cfg.Assignments))
	fmt.Println()

	if len(cfg.Permissions) > 0 {
		conditional := 0
		withFields := 0
		for _, p := range cfg.Permissions {
			if len(p.Conditions) > 0 {
				conditional++
			}
			if len(p.Fields) > 0 {
				withFields++
			}
		}
		fmt.Println("Permission Details:")
		fmt.Printf("  Conditional:       %d\n", conditional)
		fmt.Printf("  With field levels: %d\n", withFields)
		fmt.Println()
	}

	if len(cfg.Tenants) > 0 {
		fmt.Println("Tenant Hierarchy:")
		for _, t := range cfg.Tenants {
			if t.ParentID != "" {
				fmt.Printf("  %s -> %s\n", t.ID, t.ParentID)
			} else {
				fmt.Printf("  %s (root)\n", t.ID)
			}
		}
		fmt.Println()
	}

	fmt.Println("Engine Configuration:")
	fmt.Printf("  Decision cache TTL: %dms\n", cfg.Engine.DecisionCacheTTL)
	fmt.Printf("  Cache backend:      %s\n", cfg.Engine.CacheBackend)
	fmt.Printf("  Ceiling re-check:   %v\n", cfg.Engine.CeilingRecheck)
}

func handleCheck() {
	if len(os.Args) < 7 {
		fmt.Println("Usage: accesskit-config check <file> <principal> <type> <ref> <action>")
		os.Exit(1)
	}

	cfg, err := loadConfig(os.Args[2])
	if err != nil {
		fmt.Printf("Error loading config: %v\n", err)
		os.Exit(1)
	}

	dir := accesskit.NewMemoryDirectory()
	if err := accesskit.ApplyConfig(cfg, dir); err != nil {
		fmt.Printf("Error applying config: %v\n", err)
		os.Exit(1)
	}

	opts, err := accesskit.EngineOptionsFromConfig(cfg.Engine)
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	engine, err := accesskit.NewEngine(dir, opts...)
	if err != nil {
		fmt.Printf("Error building engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	principalID := os.Args[3]
	tenantID := ""
	if len(cfg.Tenants) > 0 {
		tenantID = cfg.Tenants[0].ID
	}
	principal := &accesskit.Principal{ID: principalID, TenantID: tenantID}
	resource := &accesskit.Resource{Type: os.Args[4], Path: os.Args[5]}

	dec, err := engine.Explain(context.Background(), principal, resource, accesskit.Action(os.Args[6]), nil)
	if err != nil {
		fmt.Printf("Evaluation error: %v\n", err)
	}
	fmt.Printf("Allowed: %v\n", dec.Allowed)
	fmt.Printf("Reason:  %s\n", dec.Reason)
	if len(dec.MatchedPermissionIDs) > 0 {
		fmt.Printf("Matched: %s\n", strings.Join(dec.MatchedPermissionIDs, ", "))
	}
	for _, line := range dec.Trace {
		fmt.Printf("  %s\n", line)
	}
}

func loadConfig(filename string) (*accesskit.Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}

	loader := accesskit.NewConfigLoader()
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return loader.LoadYAML(data)
	case ".json":
		return loader.LoadJSON(data)
	case ".bin":
		return loader.LoadBinary(data)
	default:
		return nil, fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
}

func saveConfig(cfg *accesskit.Config, filename string) error {
	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		data, err = cfg.ToYAML()
	case ".json":
		data, err = cfg.ToJSON()
	case ".bin":
		data, err = accesskit.EncodeBinaryConfig(cfg)
	default:
		return fmt.Errorf("unsupported file format: %s", filepath.Ext(filename))
	}
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0644)
}
