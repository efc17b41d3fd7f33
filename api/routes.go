package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/julienschmidt/httprouter"

	"github.com/torrust/tracker/bittorrent"
	apierrors "github.com/torrust/tracker/errors"
	"github.com/torrust/tracker/journal"
	"github.com/torrust/tracker/policy"
)

func (s *Server) buildRouter() *httprouter.Router {
	r := httprouter.New()

	r.GET("/api/whitelist/:infohash", s.wrap(s.handleGetWhitelist))
	r.PUT("/api/whitelist/:infohash", s.wrap(s.handlePutWhitelist))
	r.DELETE("/api/whitelist/:infohash", s.wrap(s.handleDeleteWhitelist))

	r.GET("/api/blacklist/:infohash", s.wrap(s.handleGetBlacklist))
	r.PUT("/api/blacklist/:infohash", s.wrap(s.handlePutBlacklist))
	r.DELETE("/api/blacklist/:infohash", s.wrap(s.handleDeleteBlacklist))

	r.PUT("/api/keys/:infohash", s.wrap(s.handlePutKey))
	r.DELETE("/api/keys/:infohash", s.wrap(s.handleDeleteKey))

	r.GET("/api/users/:userid", s.wrap(s.handleGetUser))
	r.PUT("/api/users/:userid", s.wrap(s.handlePutUser))
	r.DELETE("/api/users/:userid", s.wrap(s.handleDeleteUser))

	r.GET("/api/torrents/:infohash", s.wrap(s.handleGetTorrent))
	r.GET("/api/torrents/:infohash/peers", s.wrap(s.handleGetPeers))

	r.GET("/api/stats", s.wrap(s.handleGetStats))

	return r
}

func infoHashParam(p httprouter.Params) (bittorrent.InfoHash, error) {
	raw := p.ByName("infohash")
	if len(raw) != 40 {
		return bittorrent.InfoHash{}, apierrors.NewBadRequest("invalid infohash")
	}
	var ih bittorrent.InfoHash
	if err := (&ih).UnmarshalText([]byte(raw)); err != nil {
		return bittorrent.InfoHash{}, err
	}
	return ih, nil
}

func userIDParam(p httprouter.Params) (bittorrent.UserID, error) {
	raw := p.ByName("userid")
	if len(raw) != 40 {
		return bittorrent.UserID{}, apierrors.NewBadRequest("invalid userid")
	}
	var id bittorrent.UserID
	if err := (&id).UnmarshalText([]byte(raw)); err != nil {
		return bittorrent.UserID{}, err
	}
	return id, nil
}

type containedResult struct {
	Contained bool `json:"contained"`
}

func (s *Server) handleGetWhitelist(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := infoHashParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	return http.StatusOK, containedResult{Contained: s.policies.IsWhitelisted(ih)}, nil
}

func (s *Server) handlePutWhitelist(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := infoHashParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	s.policies.AddWhitelist(ih)
	s.journal.Push(journal.KindWhitelist, ih, journal.Add, nil)
	return http.StatusOK, nil, nil
}

func (s *Server) handleDeleteWhitelist(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := infoHashParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	s.policies.RemoveWhitelist(ih)
	s.journal.Push(journal.KindWhitelist, ih, journal.Remove, nil)
	return http.StatusOK, nil, nil
}

func (s *Server) handleGetBlacklist(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := infoHashParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	return http.StatusOK, containedResult{Contained: s.policies.IsBlacklisted(ih)}, nil
}

func (s *Server) handlePutBlacklist(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := infoHashParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	s.policies.AddBlacklist(ih)
	s.journal.Push(journal.KindBlacklist, ih, journal.Add, nil)
	return http.StatusOK, nil, nil
}

func (s *Server) handleDeleteBlacklist(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := infoHashParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	s.policies.RemoveBlacklist(ih)
	s.journal.Push(journal.KindBlacklist, ih, journal.Remove, nil)
	return http.StatusOK, nil, nil
}

type putKeyRequest struct {
	ExpiryUnixSeconds int64 `json:"expiry_unix_seconds"`
}

func (s *Server) handlePutKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := infoHashParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}

	var req putKeyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return http.StatusBadRequest, nil, apierrors.NewBadRequest("invalid body")
	}

	s.policies.AddKey(ih, req.ExpiryUnixSeconds)
	s.journal.Push(journal.KindKeys, ih, journal.Add, req.ExpiryUnixSeconds)
	return http.StatusOK, nil, nil
}

func (s *Server) handleDeleteKey(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := infoHashParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	s.policies.RemoveKey(ih)
	s.journal.Push(journal.KindKeys, ih, journal.Remove, nil)
	return http.StatusOK, nil, nil
}

type userResult struct {
	Uploaded   uint64 `json:"uploaded"`
	Downloaded uint64 `json:"downloaded"`
	Completed  uint64 `json:"completed"`
}

func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	id, err := userIDParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	u, ok := s.policies.LookupUser(id)
	if !ok {
		return http.StatusNotFound, nil, errors.New("user not found")
	}
	return http.StatusOK, userResult{Uploaded: u.Uploaded, Downloaded: u.Downloaded, Completed: u.Completed}, nil
}

func (s *Server) handlePutUser(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	id, err := userIDParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	s.policies.AddUser(id)
	s.journal.Push(journal.KindUsers, id, journal.Add, policy.UserEntry{UpdatedAt: time.Now()})
	return http.StatusOK, nil, nil
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	id, err := userIDParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	s.policies.RemoveUser(id)
	s.journal.Push(journal.KindUsers, id, journal.Remove, nil)
	return http.StatusOK, nil, nil
}

type torrentResult struct {
	Seeders   int    `json:"seeders"`
	Leechers  int    `json:"leechers"`
	Completed uint64 `json:"completed"`
}

func (s *Server) handleGetTorrent(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := infoHashParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}
	if _, ok := s.store.Get(ih); !ok {
		return http.StatusNotFound, nil, errors.New("torrent not found")
	}
	complete, incomplete, completed := s.store.Scrape(ih)
	return http.StatusOK, torrentResult{Seeders: int(complete), Leechers: int(incomplete), Completed: completed}, nil
}

type peerResult struct {
	ID   string `json:"id"`
	IP   string `json:"ip"`
	Port uint16 `json:"port"`
}

type peersResult struct {
	Seeders  []peerResult `json:"seeders"`
	Leechers []peerResult `json:"leechers"`
}

func (s *Server) handleGetPeers(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	ih, err := infoHashParam(p)
	if err != nil {
		return http.StatusBadRequest, nil, err
	}

	const listLimit = 200
	seeds, leechers := s.store.GetPeers(ih, listLimit, 0, nil)

	resp := peersResult{
		Seeders:  make([]peerResult, len(seeds)),
		Leechers: make([]peerResult, len(leechers)),
	}
	for i, pr := range seeds {
		resp.Seeders[i] = peerResult{ID: pr.ID.String(), IP: pr.IP.String(), Port: pr.Port}
	}
	for i, pr := range leechers {
		resp.Leechers[i] = peerResult{ID: pr.ID.String(), IP: pr.IP.String(), Port: pr.Port}
	}
	return http.StatusOK, resp, nil
}

func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request, p httprouter.Params) (int, interface{}, error) {
	return http.StatusOK, s.stats.Snapshot(), nil
}
