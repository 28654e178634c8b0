// Package policy lints project configurations with Open Policy Agent (OPA).
//
// Policies are Rego modules defining a deny set. Every deny entry is either a
// message string or an object with message, bundle and severity fields:
//
//	package stanza.policies.entry_naming
//
//	import rego.v1
//
//	deny contains violation if {
//		some bundle in input.bundles
//		not endswith(bundle.entry, ".js")
//		violation := {"message": "entries are JavaScript", "bundle": bundle.name}
//	}
//
// The input document is an Input: the server address, the build output path
// and one entry per bundle with its name, target, entry, outputPath, webPath,
// autoStart, peer and vendorCache.
//
// # Built-in policies
//
//   - vendor-cache-target (warning): vendor caches only apply to browser bundles.
//   - output-paths-unique (error): two bundles share an output path.
//   - browser-autostart (warning): autoStart on a browser bundle is ignored.
//   - peer-target (error): a runtime bundle's peer must name a browser bundle.
//
// User policies are loaded from the project's policies directory. A Rego file
// is named after its file and may declare its default severity with a
// "# severity: error" header comment. Error violations refuse the
// configuration; the others are reported as warnings.
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//		return err
//	}
//	if err := eng.LoadPolicies(ctx, policy.ProjectPaths(cfg.Root)); err != nil {
//		return err
//	}
//	result, err := eng.Evaluate(ctx, cfg, engine.ModeDevelopment)
package policy
