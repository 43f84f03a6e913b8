// Copyright Brain Ingest Authors
// SPDX-License-Identifier: Apache-2.0

package schema

// Quota is an owner's stored-byte budget.
type Quota struct {
	Object         string `json:"object"` // Always "quota"
	OwnerID        string `json:"owner_id"`
	UsedBytes      int64  `json:"used_bytes"`
	LimitBytes     int64  `json:"limit_bytes"`
	RemainingBytes int64  `json:"remaining_bytes"`
}
