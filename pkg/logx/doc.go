// Package logx is conductor's structured logging layer, a thin wrapper
// around zerolog.
//
// The wrapper exists so components log through one Logger type whose sinks
// (console, JSON file, rate-limited event-bus fanout) can be swapped at
// runtime by Service.Apply without restarting anything.
package logx
