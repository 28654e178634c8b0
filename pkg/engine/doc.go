// Package engine provides the core types shared by the stanza development
// orchestration engine.
//
// # Overview
//
// stanza drives an opaque incremental compiler through a development cycle
// for a project that is compiled into several independently-built bundles:
// one browser-facing bundle and any number of runtime (server-side) bundles.
// The cycle runs in three phases:
//
//  1. Vendor - refresh content-hash gated vendor bundles (pkg/vendorcache)
//  2. Compile - create one compiler handle per bundle (pkg/compiler)
//  3. Dispatch - hand each handle to a hot server (pkg/devserver)
//
// # Core Domain Types
//
//   - BundleDescriptor: static declaration of one buildable unit
//   - VendorCache: pinned dependency list and logical cache name
//   - DependencyFingerprint: digest over the resolved pinned versions
//   - DevError: classified error (configuration, build, process, cache, disposal)
//
// Descriptors are immutable once loaded. Every orchestration component
// receives them by value.
package engine
