// Package report renders reconciliation outcomes for operators: a
// one-line verdict, per-token anomaly lines, and the aggregate failure
// classification pointing at the mirroring direction that broke.
package report
