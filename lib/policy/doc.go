// Copyright 2026 The Consolegate Authors
// SPDX-License-Identifier: Apache-2.0

// Package policy decides which commands an identity may invoke.
//
// Rules come from a [Source] (the shipped [FileSource] reads YAML; a
// directory-backed source implements the same interface). The
// [Engine] reduces the rules that apply to one identity into a
// [PermissionSet], once per session, then answers each request with
// [Engine.IsAllowed], re-checking the flavor and option predicates the
// reduction could not settle ahead of time.
//
// Evaluation is deny-by-default:
//
//  1. No allow rule covers the command: deny (ReasonNoRule).
//  2. A deny rule covers it and its predicates hold: deny
//     (ReasonDenied). Denials always win over allows.
//  3. No covering allow rule has predicates that hold: deny
//     (ReasonPredicate).
//  4. Otherwise allow.
//
// Anonymous identities are never subject to rules. They may invoke
// exactly the commands the module catalogue marks anonymous, which
// authenticated identities may also invoke.
//
// Permission sets record the policy generation and catalogue they were
// built from. After a reload the gateway notices the stale set and
// recomputes it on the next request, so sessions survive a reload and
// immediately see the new policy.
package policy
