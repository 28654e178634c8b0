// Package devserver runs the development cycle of a project.
//
// An Orchestrator refreshes vendor caches, creates one compiler handle per
// bundle and hands each handle to exactly one server:
//
//   - HotClientServer watches a browser bundle. Bundles with a web path are
//     served from memory over HTTP, with a server-sent events stream that
//     tells connected browsers to reload after every build.
//   - HotNodeServer watches a runtime bundle and, when it auto-starts, runs
//     the latest successful build as a child process. Restarts wait until
//     the peer browser bundle has finished building.
//
// A Supervisor reruns the whole cycle whenever a configuration source
// changes.
//
//	sup := &devserver.Supervisor{
//		Root:    ".",
//		Loader:  config.NewLoader(logger),
//		Backend: compiler.NewESBuildBackend(logger),
//	}
//	err := sup.Run(ctx)
package devserver
