// pkg/object/redis.go

package object

import (
	"bytes"
	"context"
	"io"
	"net"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// redisStore keeps every object as a plain string value. Suitable for worlds
// whose chunks fit comfortably in the memory of the redis server.
type redisStore struct {
	uri string
	rdb redis.UniversalClient
}

func newRedis(uri, user, passwd string) (ObjectStorage, error) {
	opt, err := redis.ParseURL(uri)
	if err != nil {
		return nil, errors.Wrapf(err, "parse %s", uri)
	}
	if user != "" {
		opt.Username = user
	}
	if passwd != "" {
		opt.Password = passwd
	}
	if opt.Password == "" && os.Getenv("REDIS_PASSWORD") != "" {
		opt.Password = os.Getenv("REDIS_PASSWORD")
	}

	var rdb redis.UniversalClient
	if strings.Contains(opt.Addr, ",") {
		// master-name,sentinel1,sentinel2
		var fopt redis.FailoverOptions
		ps := strings.Split(opt.Addr, ",")
		fopt.MasterName = ps[0]
		fopt.SentinelAddrs = ps[1:]

		defaultSentinelPort := "26379"
		for i, saddr := range fopt.SentinelAddrs {
			h, p, err := net.SplitHostPort(saddr)
			if err != nil {
				fopt.SentinelAddrs[i] = net.JoinHostPort(saddr, defaultSentinelPort)
			} else if p == "" {
				fopt.SentinelAddrs[i] = net.JoinHostPort(h, defaultSentinelPort)
			}
		}
		fopt.Username = opt.Username
		fopt.Password = opt.Password
		fopt.SentinelPassword = os.Getenv("SENTINEL_PASSWORD")
		fopt.DB = opt.DB
		fopt.TLSConfig = opt.TLSConfig
		fopt.MaxRetries = 3
		fopt.MinRetryBackoff = time.Millisecond * 100
		fopt.MaxRetryBackoff = time.Second * 10
		fopt.ReadTimeout = time.Second * 30
		fopt.WriteTimeout = time.Second * 5
		rdb = redis.NewFailoverClient(&fopt)
	} else {
		opt.MaxRetries = 3
		opt.MinRetryBackoff = time.Millisecond * 100
		opt.MaxRetryBackoff = time.Second * 10
		opt.ReadTimeout = time.Second * 30
		opt.WriteTimeout = time.Second * 5
		rdb = redis.NewClient(opt)
	}
	return &redisStore{uri: uri, rdb: rdb}, nil
}

func (r *redisStore) String() string {
	u := r.uri
	if p := strings.Index(u, "@"); p > 0 {
		u = u[:strings.Index(u, "://")+3] + "***" + u[p:]
	}
	return u + "/"
}

func (r *redisStore) Create() error {
	return r.rdb.Ping(context.Background()).Err()
}

func (r *redisStore) Get(key string, off, limit int64) (io.ReadCloser, error) {
	data, err := r.rdb.Get(context.Background(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errors.Wrapf(ErrNotFound, "%s", key)
	}
	if err != nil {
		return nil, err
	}
	if off > int64(len(data)) {
		return nil, io.EOF
	}
	data = data[off:]
	if limit >= 0 && limit < int64(len(data)) {
		data = data[:limit]
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (r *redisStore) Put(key string, in io.Reader) error {
	data, err := io.ReadAll(in)
	if err != nil {
		return err
	}
	return r.rdb.Set(context.Background(), key, data, 0).Err()
}

func (r *redisStore) Delete(key string) error {
	return r.rdb.Del(context.Background(), key).Err()
}

func (r *redisStore) List(prefix string) ([]string, error) {
	ctx := context.Background()
	var keys []string
	iter := r.rdb.Scan(ctx, 0, prefix+"*", 1000).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	return keys, iter.Err()
}

func init() {
	Register("redis", newRedis)
	Register("rediss", newRedis)
}
