package config

import (
	"encoding/json"
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// projectSchema constrains stanza.cue project files.
const projectSchema = `
#VendorCache: {
	enabled:  bool | *false
	include?: [...string & !=""]
	name?:    string & !=""
}

#HTMLPage: {
	title?: string
	htmlAttributes?: [string]: string
	scripts?: [...string]
}

#Bundle: {
	target:       "browser" | "runtime"
	entry:        string & !=""
	outputPath:   string & !=""
	webPath?:     =~"^/(.*/)?$"
	autoStart?:   bool
	peer?:        string
	vendorCache?: #VendorCache
	htmlPage?:    #HTMLPage
}

#Project: {
	host?:                     string & !=""
	clientDevServerPort?:      int & >0 & <65536
	publicAssetsPath?:         string
	buildOutputPath?:          string
	bundleAssetsFileName?:     string
	optimizeProductionBuilds?: bool
	clientConfig?: {...}
	bundles?: [string]: #Bundle
	plugins?: {
		envConfig?: string
	}
}
`

// decodeCUE unifies a CUE project file with the project schema and decodes
// the concrete result into cfg. Fields absent from the file keep their
// current values.
func decodeCUE(filename string, data []byte, cfg *ProjectConfig) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(projectSchema, cue.Filename("stanza-schema.cue"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile project schema: %w", err)
	}

	value := ctx.CompileBytes(data, cue.Filename(filename))
	if err := value.Err(); err != nil {
		return fmt.Errorf("failed to compile %s: %s", filename, formatCUEError(err))
	}

	unified := schema.LookupPath(cue.ParsePath("#Project")).Unify(value)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema validation failed: %s", formatCUEError(err))
	}

	// JSON round-trip keeps the defaults already present in cfg.
	exported, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", filename, err)
	}
	if err := json.Unmarshal(exported, cfg); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filename, err)
	}
	return nil
}

// formatCUEError flattens a CUE error list into one line per position.
func formatCUEError(err error) string {
	return cueerrors.Details(err, nil)
}
