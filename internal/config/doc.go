// Package config handles configuration loading for groupstore.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package validates key material up front so a misconfigured store fails
// at startup rather than on first read.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from GROUPSTORE_CONFIG environment variable
//  2. ./config.yaml (current directory)
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  encryption:
//	    key_hex: "${GROUPSTORE_KEY}"
//
// Syntax: ${VAR_NAME}
//
// # Configuration Sections
//
// Database:
//
//	database:
//	  path: "/var/lib/groupstore/groups.db"  # empty = ephemeral in-memory
//	  encryption:
//	    key_hex: "${GROUPSTORE_KEY}"  # 64 hex chars
//	    # or
//	    key_file: "/etc/groupstore/key"
//	    # or
//	    passphrase: "${GROUPSTORE_PASSPHRASE}"
//	    salt: "groupstore-v1"
//
// At most one key source may be set. All empty opens the store unencrypted,
// which is always an explicit choice in the calling code.
//
// Logging:
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Validation
//
// Load() validates:
//
//   - At most one encryption key source is configured
//   - Passphrase and salt are set together
//   - Logging level and format values
//
// Key material itself (hex length, file readability) is checked by Key() when
// the key is actually resolved.
package config
