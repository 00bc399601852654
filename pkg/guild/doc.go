// Package guild keeps per-guild auxiliary data: the colour table used to
// decorate owners, and a cached directory of guild detail documents that
// also answers batched online-count queries.
package guild
