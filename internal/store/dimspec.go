package store

import (
	"fmt"

	"github.com/laoshifu996/clash-master/internal/model"
)

var dimSpecs = map[model.Dimension]dimSpec{
	model.DimDomain:      {table: "domain_stats", keyCols: []string{"host"}},
	model.DimIP:          {table: "ip_stats", keyCols: []string{"ip"}},
	model.DimProxy:       {table: "proxy_stats", keyCols: []string{"chain"}},
	model.DimRule:        {table: "rule_stats", keyCols: []string{"rule"}},
	model.DimDevice:      {table: "device_stats", keyCols: []string{"source_ip"}},
	model.DimCountry:     {table: "country_stats", keyCols: []string{"country_code"}},
	model.DimHourly:      {table: "hourly_stats", keyCols: nil},
	model.DimDomainProxy: {table: "domain_proxy_stats", keyCols: []string{"host", "chain"}},
	model.DimIPDomain:    {table: "ip_domain_stats", keyCols: []string{"ip", "host"}},
	model.DimRuleDomain:  {table: "rule_domain_chain_stats", keyCols: []string{"rule", "host", "chain"}},
}

// keyValues extracts, in keyCols order, the values of k that make up
// its dimension's key beyond backend_id/time_bucket.
func keyValues(dim model.Dimension, k model.Key) ([]any, error) {
	spec, ok := dimSpecs[dim]
	if !ok {
		return nil, fmt.Errorf("store: unknown dimension %q", dim)
	}
	out := make([]any, 0, len(spec.keyCols))
	for _, col := range spec.keyCols {
		switch col {
		case "host":
			out = append(out, k.Host)
		case "ip":
			out = append(out, k.IP)
		case "chain":
			out = append(out, k.Chain)
		case "rule":
			out = append(out, k.Rule)
		case "source_ip":
			out = append(out, k.SourceIP)
		case "country_code":
			out = append(out, k.CountryCode)
		default:
			return nil, fmt.Errorf("store: unhandled key column %q", col)
		}
	}
	return out, nil
}
