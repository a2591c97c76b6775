// Package logx is notifyd's structured logging layer over zerolog.
//
// Loggers are small values passed by copy. A Service owns the sinks and can
// swap level and outputs on config reload without invalidating Loggers.
package logx
