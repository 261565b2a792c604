package monitor

import (
	"fmt"
	"net"
	"sync"

	"github.com/vishvananda/netlink"
)

// InterfaceScope decides which flows belong to the device and which side is local.
type InterfaceScope struct {
	interfaceName string

	mu             sync.RWMutex
	interfaceIndex int
	subnets        []net.IPNet
	local          map[string]struct{}
	ipIfCache      map[string]int // IP string -> egress interface index

	routeIndex func(ip net.IP) int
}

// NewInterfaceScope scopes accounting to one interface. An empty name accepts flows on
// every interface.
func NewInterfaceScope(name string) *InterfaceScope {
	return &InterfaceScope{
		interfaceName: name,
		local:         make(map[string]struct{}),
		ipIfCache:     make(map[string]int),
		routeIndex:    routeIndex,
	}
}

// Refresh reloads the interface index, its subnets and the device's own addresses.
// It also drops the route cache.
func (s *InterfaceScope) Refresh() error {
	var link netlink.Link
	index := 0
	if s.interfaceName != "" {
		l, err := netlink.LinkByName(s.interfaceName)
		if err != nil {
			return fmt.Errorf("lookup interface %s: %w", s.interfaceName, err)
		}
		link = l
		index = l.Attrs().Index
	}

	var subnets []net.IPNet
	if link != nil {
		addrs, err := netlink.AddrList(link, netlink.FAMILY_ALL)
		if err != nil {
			return fmt.Errorf("list addresses of %s: %w", s.interfaceName, err)
		}
		for _, addr := range addrs {
			if addr.IPNet != nil {
				subnets = append(subnets, *addr.IPNet)
			}
		}
	}

	all, err := netlink.AddrList(nil, netlink.FAMILY_ALL)
	if err != nil {
		return fmt.Errorf("list addresses: %w", err)
	}
	var local []net.IP
	for _, addr := range all {
		if addr.IPNet != nil {
			local = append(local, addr.IP)
		}
	}

	s.set(index, subnets, local)
	return nil
}

func (s *InterfaceScope) set(index int, subnets []net.IPNet, local []net.IP) {
	m := make(map[string]struct{}, len(local))
	for _, ip := range local {
		m[ip.String()] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.interfaceIndex = index
	s.subnets = subnets
	s.local = m
	s.ipIfCache = make(map[string]int)
}

// IsLocal reports whether ip is one of the device's own addresses.
func (s *InterfaceScope) IsLocal(ip net.IP) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.local[ip.String()]
	return ok
}

// Match reports whether a flow between src and dst should be accounted. Without an
// interface every flow matches. Otherwise either endpoint must sit in one of the
// interface's subnets or route through it.
func (s *InterfaceScope) Match(src, dst net.IP) bool {
	s.mu.RLock()
	index := s.interfaceIndex
	for _, n := range s.subnets {
		if n.Contains(src) || n.Contains(dst) {
			s.mu.RUnlock()
			return true
		}
	}
	s.mu.RUnlock()

	if index == 0 {
		return s.interfaceName == ""
	}
	return s.egressIndex(src) == index || s.egressIndex(dst) == index
}

func (s *InterfaceScope) egressIndex(ip net.IP) int {
	key := ip.String()

	s.mu.RLock()
	idx, ok := s.ipIfCache[key]
	s.mu.RUnlock()
	if ok {
		return idx
	}

	idx = s.routeIndex(ip)

	s.mu.Lock()
	s.ipIfCache[key] = idx
	s.mu.Unlock()
	return idx
}

func routeIndex(ip net.IP) int {
	routes, err := netlink.RouteGet(ip)
	if err != nil || len(routes) == 0 {
		return -1
	}
	return routes[0].LinkIndex
}
