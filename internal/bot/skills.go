package bot

// techSkills is the built-in single-token vocabulary the parser
// recognizes without consulting the taxonomy. Lowercase.
var techSkills = []string{
	// Languages
	"python", "javascript", "typescript", "java", "golang", "go",
	"rust", "ruby", "php", "swift", "kotlin", "scala", "elixir",
	"clojure", "haskell", "perl", "lua", "dart", "julia", "sql",
	"bash", "powershell",

	// Frontend
	"react", "vue", "angular", "svelte", "nextjs", "nuxt", "html",
	"css", "sass", "tailwind", "webpack", "vite", "redux", "jquery",

	// Backend frameworks
	"django", "flask", "fastapi", "rails", "spring", "express",
	"nestjs", "laravel", "symfony", "gin", "echo", "fiber",

	// Data stores
	"postgresql", "postgres", "mysql", "sqlite", "mongodb", "redis",
	"cassandra", "elasticsearch", "dynamodb", "clickhouse", "snowflake",
	"bigquery", "neo4j", "memcached",

	// Cloud and infra
	"aws", "gcp", "azure", "kubernetes", "k8s", "docker", "terraform",
	"ansible", "puppet", "chef", "helm", "istio", "nginx", "apache",
	"cloudflare", "heroku", "vercel", "lambda", "ec2", "s3",

	// Data and ML
	"pandas", "numpy", "scipy", "sklearn", "tensorflow", "pytorch",
	"keras", "spark", "hadoop", "airflow", "dbt", "kafka", "flink",
	"tableau", "looker", "jupyter", "mlflow", "langchain",

	// Mobile
	"ios", "android", "flutter", "xamarin", "ionic",

	// Tooling and practice
	"git", "github", "gitlab", "jenkins", "circleci", "prometheus",
	"grafana", "datadog", "sentry", "graphql", "grpc", "rest",
	"oauth", "jwt", "websockets", "rabbitmq", "celery", "linux",
	"vim", "emacs", "figma", "jira", "agile", "scrum", "devops",
	"microservices", "serverless", "blockchain", "solidity",
	"security", "cryptography", "networking", "accessibility",
	"testing", "selenium", "cypress", "playwright",
}

// compoundSkills are multi-word terms matched by substring, since the
// token splitter would break them apart.
var compoundSkills = []string{
	"machine learning", "deep learning", "data science",
	"data engineering", "data analysis", "computer vision",
	"natural language processing", "artificial intelligence",
	"neural networks", "reinforcement learning",
	"react native", "node js", "node.js", "vue js", "next js",
	"ruby on rails", "spring boot", "asp.net",
	"ci cd", "ci/cd", "continuous integration", "continuous deployment",
	"infrastructure as code", "site reliability",
	"system design", "distributed systems", "event sourcing",
	"message queues", "load balancing", "api design",
	"database design", "query optimization", "performance tuning",
	"penetration testing", "incident response", "threat modeling",
	"unit testing", "integration testing", "test automation",
	"technical writing", "code review", "project management",
	"product management", "user research", "ux design", "ui design",
}
