// Package engine reconciles a solution manifest with the project files on disk.
//
// # Overview
//
// Two operations are provided by Engine:
//
//  1. AggregateProjects - add project files found under a root directory that
//     the manifest does not reference yet
//  2. UpdateTargetFrameworkForProjects - set the TargetFrameworkMoniker of every
//     member project to a TargetFramework
//
// Both drive an automation.Session that may reject any call while busy. Every
// session call goes through a RetryExecutor (bounded attempts, fixed delay) and
// through a single owner goroutine (automation.Serialized), so per-project units
// can run concurrently while the session only ever sees one call at a time.
//
// # Membership
//
// The missing set is computed from the manifest text by ReadMembership, a
// textual heuristic matched by substring. It is a pre-filter only: the live
// session enumeration is the ground truth for retargeting.
//
// # Error Classification
//
//   - busy: contention, retried after the fixed delay
//   - stale: the project ref was invalidated, repaired by a reload
//   - permanent: one project failed after its retries, the run continues
//   - fatal: the manifest could not be created, opened or saved, the run aborts
//
// The terminal MissingProjects and NonUpdatedProjects views are the
// authoritative summary of partial failure.
package engine
