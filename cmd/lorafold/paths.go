package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const envLorafoldOutDir = "LORAFOLD_OUT_DIR"

// resolveMergeOut picks the merge output path. An explicit --out wins; its
// parent directory is created. Otherwise the output is named
// <base>+<lora>.safetensors and placed in $LORAFOLD_OUT_DIR, or next to the
// base checkpoint.
func resolveMergeOut(basePath, loraPath, outFlag string) (string, error) {
	outFlag = strings.TrimSpace(outFlag)
	if outFlag != "" {
		outPath := filepath.Clean(outFlag)
		if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
			return "", err
		}
		return outPath, nil
	}

	baseStem, loraStem := checkpointStem(basePath), checkpointStem(loraPath)
	if baseStem == "" || loraStem == "" {
		return "", fmt.Errorf("cannot derive an output name from %q and %q; set --out", basePath, loraPath)
	}

	outDir := strings.TrimSpace(os.Getenv(envLorafoldOutDir))
	if outDir == "" {
		outDir = filepath.Dir(filepath.Clean(basePath))
	}
	outPath := filepath.Join(outDir, baseStem+"+"+loraStem+".safetensors")
	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return "", err
	}
	return outPath, nil
}

func checkpointStem(path string) string {
	base := filepath.Base(filepath.Clean(strings.TrimSpace(path)))
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return strings.TrimSuffix(base, filepath.Ext(base))
}
