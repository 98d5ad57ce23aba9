// Package logging configures structured JSON logging for Yiana.
//
// Logs go to a size-rotated file under ~/.yiana/logs/ and optionally to
// stderr. When yiana serves MCP over stdio, stderr and stdout are left
// alone and only the file is written. The Viewer reads those files back
// for `yiana logs`.
package logging
