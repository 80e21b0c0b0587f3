// Package dfs resolves DFS referrals for the SMB client.
//
// When a request on a DFS share fails with STATUS_PATH_NOT_COVERED the
// client asks the server for a referral (FSCTL_DFS_GET_REFERRALS over SMB2,
// TRANS2_GET_DFS_REFERRAL over SMB1), caches the consumed path prefix with
// its TTL and retries the operation against one of the referral targets.
// Operations report their result as an Outcome so redirects stay out of
// the error path; Retry drives the redirect loop. [MS-DFSC]
package dfs
