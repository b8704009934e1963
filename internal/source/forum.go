package source

import (
	"context"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"

	"github.com/sells-group/versionvault/internal/config"
	"github.com/sells-group/versionvault/internal/model"
	"github.com/sells-group/versionvault/internal/scrape"
)

// Engine is a forum software family.
type Engine string

const (
	EnginePhpBB     Engine = "phpbb"
	EngineDiscourse Engine = "discourse"
	EngineGeneric   Engine = "generic"
)

var defaultTopicKeywords = []string{"release", "version", "changelog", "update", "what's new", "patch notes"}

// DetectEngine fingerprints the forum software from the URL and page.
func DetectEngine(target, html string) Engine {
	lowerURL := strings.ToLower(target)
	lower := strings.ToLower(html)
	switch {
	case strings.Contains(lowerURL, "viewforum.php"), strings.Contains(lowerURL, "viewtopic.php"),
		strings.Contains(lower, "powered by phpbb"), strings.Contains(lower, `class="topictitle"`),
		strings.Contains(lower, "phpbb_"):
		return EnginePhpBB
	case strings.Contains(lower, `content="discourse`), strings.Contains(lower, "data-discourse-setup"),
		strings.Contains(lower, "raw-topic-link"), strings.Contains(lower, "crawler-post"):
		return EngineDiscourse
	}
	return EngineGeneric
}

// Topic is one entry of a forum topic listing.
type Topic struct {
	Title    string `json:"title"`
	URL      string `json:"url"`
	Author   string `json:"author,omitempty"`
	Sticky   bool   `json:"sticky"`
	Official bool   `json:"official"`
}

// isTopicPage reports whether the page is a single thread rather than a
// listing.
func isTopicPage(engine Engine, target string) bool {
	u, err := url.Parse(target)
	if err != nil {
		return false
	}
	switch engine {
	case EnginePhpBB:
		return strings.Contains(u.Path, "viewtopic.php")
	case EngineDiscourse:
		return strings.Contains(u.Path, "/t/")
	}
	return false
}

// ListTopics extracts the topic listing of a forum index page.
func ListTopics(engine Engine, html, base string) []Topic {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	baseURL, _ := url.Parse(base)

	var topics []Topic
	add := func(t Topic) {
		t.Title = NormalizeWhitespace(t.Title)
		if t.Title == "" || t.URL == "" {
			return
		}
		t.URL = resolve(baseURL, t.URL)
		topics = append(topics, t)
	}

	switch engine {
	case EnginePhpBB:
		doc.Find("ul.topiclist li.row").Each(func(_ int, row *goquery.Selection) {
			link := row.Find("a.topictitle").First()
			href, _ := link.Attr("href")
			poster := row.Find(".topic-poster a.username, .topic-poster a.username-coloured, dd.author a").First()
			add(Topic{
				Title:    link.Text(),
				URL:      href,
				Author:   strings.TrimSpace(poster.Text()),
				Sticky:   row.HasClass("sticky"),
				Official: row.HasClass("announce") || row.HasClass("global-announce") || poster.HasClass("username-coloured"),
			})
		})
	case EngineDiscourse:
		doc.Find("tr.topic-list-item").Each(func(_ int, row *goquery.Selection) {
			link := row.Find("a.raw-topic-link, a.title").First()
			href, _ := link.Attr("href")
			poster := row.Find("td.posters a").First()
			author, ok := poster.Attr("data-user-card")
			if !ok {
				author = strings.TrimSpace(poster.Text())
			}
			pinned := row.HasClass("pinned") || row.Find(".topic-statuses .pinned, .d-icon-thumbtack").Length() > 0
			add(Topic{
				Title:    link.Text(),
				URL:      href,
				Author:   author,
				Sticky:   pinned,
				Official: pinned || row.Find("td.posters a.staff, td.posters [class*=\"staff\"]").Length() > 0,
			})
		})
	default:
		doc.Find(".topic-title a, .thread-title a, a.topic-title, a.thread-title, [class*=\"topic\"] h3 a, [class*=\"thread\"] h3 a").
			Each(func(_ int, link *goquery.Selection) {
				href, _ := link.Attr("href")
				container := link.Closest("li, tr, article, div")
				class, _ := container.Attr("class")
				class = strings.ToLower(class)
				sticky := strings.Contains(class, "sticky") || strings.Contains(class, "pinned")
				add(Topic{
					Title:    link.Text(),
					URL:      href,
					Sticky:   sticky,
					Official: sticky || strings.Contains(class, "announce") || strings.Contains(class, "official"),
				})
			})
	}
	return topics
}

// FilterTopics keeps the topics cfg allows, in listing order. Titles must
// match a keyword; OfficialOnly accepts official, sticky or listed-author
// topics; StickyOnly requires sticky. When OfficialOnly leaves nothing and
// no authors are configured, keyword matches are used instead since many
// forums carry no staff markers.
func FilterTopics(topics []Topic, cfg config.ForumConfig) []Topic {
	keywords := cfg.TitleKeywords
	if len(keywords) == 0 {
		keywords = defaultTopicKeywords
	}
	if cfg.MaxTopics > 0 && len(topics) > cfg.MaxTopics {
		topics = topics[:cfg.MaxTopics]
	}

	var strict, loose []Topic
	for _, t := range topics {
		if !containsAny(strings.ToLower(t.Title), keywords) {
			continue
		}
		if cfg.StickyOnly && !t.Sticky {
			continue
		}
		byAuthor := authorMatches(t.Author, cfg.Authors)
		if len(cfg.Authors) > 0 && !cfg.OfficialOnly && !byAuthor {
			continue
		}
		loose = append(loose, t)
		if !cfg.OfficialOnly || t.Official || t.Sticky || byAuthor {
			strict = append(strict, t)
		}
	}
	if len(strict) == 0 && cfg.OfficialOnly && len(cfg.Authors) == 0 {
		return loose
	}
	return strict
}

func authorMatches(author string, authors []string) bool {
	for _, a := range authors {
		if strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(author)) {
			return true
		}
	}
	return false
}

func containsAny(s string, keywords []string) bool {
	for _, k := range keywords {
		if k = strings.ToLower(strings.TrimSpace(k)); k != "" && strings.Contains(s, k) {
			return true
		}
	}
	return false
}

var postSelectors = map[Engine]string{
	EnginePhpBB:     "div.post div.postbody div.content",
	EngineDiscourse: "#post_1 div.post, div.crawler-post div.post[itemprop=\"text\"], article[data-post-number=\"1\"] div.cooked, div.cooked",
	EngineGeneric:   "article .post-content, .message-body, .post-body, .post-content, .message, article, .post",
}

// Regex fallbacks, tried when the DOM yields no post text.
var postPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?is)<div[^>]+class="content"[^>]*>(.*?)</div>`),
	regexp.MustCompile(`(?is)<div[^>]+class=['"]post['"][^>]+itemprop=['"]text['"][^>]*>(.*?)</div>`),
	regexp.MustCompile(`(?is)<div[^>]+class=['"][^'"]*\bcooked\b[^'"]*['"][^>]*>(.*?)</div>`),
	regexp.MustCompile(`(?is)<article[^>]*>(.*?)</article>`),
}

// FirstPost returns the text of the opening post of a thread.
func FirstPost(engine Engine, html string) string {
	if doc, err := goquery.NewDocumentFromReader(strings.NewReader(html)); err == nil {
		prepareDocument(doc)
		if t := selectionText(doc.Find(postSelectors[engine]).First()); t != "" {
			return t
		}
	}
	for _, re := range postPatterns {
		if m := re.FindStringSubmatch(html); m != nil {
			if t := stripTags(m[1]); t != "" {
				return t
			}
		}
	}
	return ""
}

func pageTitle(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	return NormalizeWhitespace(doc.Find("title").First().Text())
}

func resolve(base *url.URL, href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil || base == nil {
		return href
	}
	return base.ResolveReference(ref).String()
}

// ForumAdapter reads the opening post of the release-announcement topic on
// a forum index, or of the thread when given a topic URL directly.
type ForumAdapter struct {
	fetcher Fetcher
	cfg     config.ForumConfig
}

// NewForumAdapter creates a ForumAdapter.
func NewForumAdapter(f Fetcher, cfg config.ForumConfig) *ForumAdapter {
	return &ForumAdapter{fetcher: f, cfg: cfg}
}

// Kind implements Adapter.
func (a *ForumAdapter) Kind() model.SourceKind { return model.SourceForum }

// Acquire implements Adapter.
func (a *ForumAdapter) Acquire(ctx context.Context, target string, opts scrape.FetchOptions) (*Result, error) {
	if _, err := parseTarget(target); err != nil {
		return nil, err
	}
	fr := a.fetcher.FetchWithRetry(ctx, target, opts)
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	res := resultFrom(model.SourceForum, target, fr)
	if fr.Content == "" {
		return res, nil
	}

	engine := DetectEngine(target, fr.Content)
	log := zap.L().With(zap.String("url", target), zap.String("engine", string(engine)))

	if isTopicPage(engine, target) {
		res.Extractor = "forum:" + string(engine) + ":topic"
		addPost(res, engine, Topic{Title: pageTitle(fr.Content), URL: target}, fr.Content)
		return res, nil
	}

	base := target
	if fr.FinalURL != "" {
		base = fr.FinalURL
	}
	topics := ListTopics(engine, fr.Content, base)
	if len(topics) == 0 && engine == EngineGeneric {
		// No listing markup: treat the page as the thread itself.
		res.Extractor = "forum:generic:page"
		addPost(res, engine, Topic{Title: pageTitle(fr.Content), URL: target}, fr.Content)
		return res, nil
	}

	matches := FilterTopics(topics, a.cfg)
	if len(matches) == 0 {
		log.Warn("source: no forum topic matched", zap.Int("topics", len(topics)))
		res.Extractor = "forum:" + string(engine) + ":none"
		return res, nil
	}

	topic := matches[0]
	log.Debug("source: forum topic selected", zap.String("topic", topic.Title), zap.String("topic_url", topic.URL))
	tr := a.fetcher.FetchWithRetry(ctx, topic.URL, opts)
	if err := cancelled(ctx); err != nil {
		return nil, err
	}
	res.Attempts += tr.Attempts
	res.Method = tr.Method
	res.Success = tr.Success
	if tr.BlockerDetected != nil {
		res.Blocker = tr.BlockerDetected
	}
	res.Extractor = "forum:" + string(engine) + ":listing"
	if tr.Content != "" {
		addPost(res, engine, topic, tr.Content)
	}
	return res, nil
}

func addPost(res *Result, engine Engine, topic Topic, html string) {
	post := FirstPost(engine, html)
	if post == "" {
		zap.L().Warn("source: forum post not found", zap.String("url", topic.URL), zap.String("engine", string(engine)))
		return
	}
	res.Items = append(res.Items, Item{Title: topic.Title, URL: topic.URL, Text: post})
	res.Text = FormatItems(res.Items)
}
