// Package events distributes consensus lifecycle events (elections, leader
// changes, applied entries, membership and snapshot activity) to
// subscribers through a non-blocking broker. Slow subscribers miss events
// rather than stalling the consensus loop.
package events
