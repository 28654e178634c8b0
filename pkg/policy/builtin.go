package policy

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		vendorCacheTargetPolicy(),
		outputPathsUniquePolicy(),
		browserAutoStartPolicy(),
		peerTargetPolicy(),
	}
}

// vendorCacheTargetPolicy flags vendor caches declared on runtime bundles.
func vendorCacheTargetPolicy() Policy {
	return Policy{
		Name:        "vendor-cache-target",
		Description: "Vendor caches only apply to browser bundles",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stanza.policies.vendor_cache_target

import rego.v1

deny contains violation if {
	some bundle in input.bundles
	bundle.vendorCache.enabled
	bundle.target != "browser"
	violation := {
		"message": sprintf("bundle %s declares a vendor cache, which is ignored for %s bundles", [bundle.name, bundle.target]),
		"bundle": bundle.name,
	}
}
`,
	}
}

// outputPathsUniquePolicy refuses bundles writing to the same directory.
func outputPathsUniquePolicy() Policy {
	return Policy{
		Name:        "output-paths-unique",
		Description: "Every bundle writes to its own output path",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stanza.policies.output_paths_unique

import rego.v1

deny contains violation if {
	some i, a in input.bundles
	some j, b in input.bundles
	i < j
	a.outputPath == b.outputPath
	violation := {
		"message": sprintf("bundles %s and %s share the output path %s", [a.name, b.name, a.outputPath]),
		"bundle": b.name,
	}
}
`,
	}
}

// browserAutoStartPolicy flags autoStart on browser bundles.
func browserAutoStartPolicy() Policy {
	return Policy{
		Name:        "browser-autostart",
		Description: "autoStart is ignored on browser bundles",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stanza.policies.browser_autostart

import rego.v1

deny contains violation if {
	some bundle in input.bundles
	bundle.target == "browser"
	bundle.autoStart
	violation := {
		"message": sprintf("bundle %s is a browser bundle, autoStart is ignored", [bundle.name]),
		"bundle": bundle.name,
	}
}
`,
	}
}

// peerTargetPolicy refuses runtime bundles whose peer is not a browser bundle.
func peerTargetPolicy() Policy {
	return Policy{
		Name:        "peer-target",
		Description: "A runtime bundle's peer must name a browser bundle",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package stanza.policies.peer_target

import rego.v1

browsers := {b.name | some b in input.bundles; b.target == "browser"}

deny contains violation if {
	some bundle in input.bundles
	bundle.target == "runtime"
	bundle.peer
	not browsers[bundle.peer]
	violation := {
		"message": sprintf("bundle %s names %s as its peer, which is not a browser bundle", [bundle.name, bundle.peer]),
		"bundle": bundle.name,
	}
}
`,
	}
}
