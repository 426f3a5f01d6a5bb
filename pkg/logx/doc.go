// Package logx wraps zerolog behind a small Field/Logger API so components
// can log structured events without depending on zerolog directly, and so the
// active sinks/level can be swapped at runtime via Service.Apply().
package logx
