// Package httputil holds the JSON response helpers the stub
// conversion-tracking server writes its answers with.
package httputil
