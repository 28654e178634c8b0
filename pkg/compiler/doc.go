// Package compiler drives the incremental compiler of each bundle.
//
// A Factory turns a bundle descriptor and a build mode into a Handle. The
// handle owns one Session of the underlying Backend and fans its compile
// lifecycle out to subscribers:
//
//	h, err := factory.Create(ctx, descriptor, engine.ModeDevelopment)
//	if err != nil {
//		// configuration error, the bundle is skipped
//	}
//	h.Subscribe(func(e compiler.Event) {
//		if e.Failed() {
//			log.Error().Str("report", e.Stats.String()).Msg("build failed")
//		}
//	})
//	err = h.Watch()
//	defer h.Stop()
//
// ESBuildBackend is the production backend. Browser bundles are emitted as
// IIFE scripts together with an assets manifest and, when configured, an
// index.html page; served development bundles are kept in memory. Runtime
// bundles are emitted as CommonJS for node with packages left external.
//
// A browser bundle with an enabled vendor cache links the pinned packages
// from the vendor bundle built by BuildVendor instead of bundling them.
package compiler
