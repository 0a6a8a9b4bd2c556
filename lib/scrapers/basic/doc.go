// Package basic is a plain HTTP scraper with retries, pacing and
// user-agent rotation.
//
// each fetch generally has this structure:
//  1. turn the input path into an absolute url.
//  2. serve it from the page cache when a fresh copy exists.
//  3. wait for the rate limiter, then make the request. transport errors and
//     429/5xx responses are retried with exponential backoff.
//  4. make assertions on the response (2xx status).
//  5. turn the response into an Item, parsing happens lazily with Item.Document.
//
// the scraper itself holds no state between fetches other than the limiter
// and the cache, so a single Scraper can be shared between goroutines.
package basic
