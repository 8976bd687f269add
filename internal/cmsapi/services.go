package cmsapi

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// ServicesPath is the service registry collection.
const ServicesPath = "/services"

// ServiceStatus is the operational state of a registered service.
type ServiceStatus string

const (
	ServiceActive      ServiceStatus = "ACTIVE"
	ServiceInactive    ServiceStatus = "INACTIVE"
	ServiceMaintenance ServiceStatus = "MAINTENANCE"
)

// Valid reports whether s is a known status.
func (s ServiceStatus) Valid() bool {
	switch s {
	case ServiceActive, ServiceInactive, ServiceMaintenance:
		return true
	}
	return false
}

// Service is one entry of the integrated CMS service registry.
type Service struct {
	ID          string        `json:"serviceId"`
	Code        string        `json:"serviceCode"`
	Name        string        `json:"serviceName"`
	Domain      string        `json:"serviceDomain,omitempty"`
	APIBaseURL  string        `json:"apiBaseUrl,omitempty"`
	Status      ServiceStatus `json:"status"`
	Description string        `json:"description,omitempty"`
	CreatedAt   string        `json:"createdAt"`
	UpdatedAt   string        `json:"updatedAt"`
}

// ListServices returns the registered services.
func (c *Client) ListServices(ctx context.Context) ([]Service, error) {
	var services []Service
	if err := c.GetJSON(ctx, ServicesPath, &services); err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}
	return services, nil
}

// GetService returns one service by id.
func (c *Client) GetService(ctx context.Context, id string) (Service, error) {
	var svc Service
	if err := c.GetJSON(ctx, ServicesPath+"/"+url.PathEscape(id), &svc); err != nil {
		return Service{}, fmt.Errorf("failed to get service: %w", err)
	}
	return svc, nil
}

// UpdateServiceStatus changes the status of one service.
func (c *Client) UpdateServiceStatus(ctx context.Context, id string, status ServiceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("invalid service status: %q", status)
	}
	body := map[string]ServiceStatus{"status": status}
	if err := c.PutJSON(ctx, ServicesPath+"/"+url.PathEscape(id)+"/status", body, nil); err != nil {
		return fmt.Errorf("failed to update service status: %w", err)
	}
	return nil
}

var statusRank = map[ServiceStatus]int{
	ServiceActive:      0,
	ServiceMaintenance: 1,
	ServiceInactive:    2,
}

// SortServices orders services active first, then maintenance, then inactive,
// and by name within each status.
func SortServices(services []Service) {
	sort.SliceStable(services, func(i, j int) bool {
		ri, rj := rank(services[i].Status), rank(services[j].Status)
		if ri != rj {
			return ri < rj
		}
		return strings.ToLower(services[i].Name) < strings.ToLower(services[j].Name)
	})
}

func rank(s ServiceStatus) int {
	if r, ok := statusRank[s]; ok {
		return r
	}
	return len(statusRank)
}
