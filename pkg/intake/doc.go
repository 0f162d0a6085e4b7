// Package intake is the boundary to the external architecture producer. It
// loads architecture manifests from YAML, fingerprints each definition with
// a content hash, and registers the items with the processing machine. The
// producer side (template discovery, scraping, format conversion) is out of
// scope; only its output format is consumed here.
package intake
