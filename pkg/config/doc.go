// Package config loads the manticore configuration.
//
// # Sources
//
// Configuration is assembled in three layers:
//
//  1. Default() values
//  2. a YAML file (unknown fields are rejected)
//  3. MANTICORE_* environment variables, e.g. MANTICORE_MAX_CORES=20
//
// The result is validated with struct tags before it is returned.
//
// # Hot reload
//
// Watch follows the file with fsnotify and hands each valid reload to a
// callback. The serve command uses it to change the core limit without a
// restart; other fields take effect on the next start.
//
// # Example
//
//	server:
//	  listenAddress: ":4000"
//	store:
//	  backend: consul
//	  keyPrefix: manticore
//	consul:
//	  address: 127.0.0.1:8500
//	nomad:
//	  address: http://127.0.0.1:4646
//	  datacenters: [dc1]
//	  core:
//	    image: smartdevicelink/manticore-sdl-core:latest
//	    cpu: 100
//	    memoryMB: 128
//	capacity:
//	  maxCores: 10
//	proxy:
//	  enabled: true
//	  domain: manticore.example.com
//	  httpPort: 80
package config
