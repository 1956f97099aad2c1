// Package quota implements the per-user daily generation ledger.
//
// An [Account] carries today_used_count and the calendar day it refers to.
// There is no reset job: every read and write compares the stored day to
// today and treats a stale counter as zero. Quota is debited only when a
// job completes successfully, never at submission, so a failed or
// cancelled job costs nothing.
package quota
